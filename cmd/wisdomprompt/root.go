package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/CXL-edu/WisdomPrompt/internal/api"
	"github.com/CXL-edu/WisdomPrompt/internal/config"
	"github.com/CXL-edu/WisdomPrompt/internal/logging"
)

var appVersion = "0.3.0"

// app carries the wiring shared by every subcommand.
type app struct {
	cfg    config.Config
	client *api.Client
	logger logging.Logger

	// flag overrides
	flagConfig   string
	flagAPIBase  string
	flagProtocol string
	flagVerbose  bool
	flagNoColor  bool
}

// isTTY checks whether interactive prompts and markdown rendering make sense.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "wisdomprompt",
		Short: "Research assistant: decompose a question, retrieve evidence, stream an answer",
		Long: `wisdomprompt drives the WisdomPrompt backend from the terminal:
it splits a query into sub-tasks, lets you edit them before committing,
then streams retrieval, summarization and the final answer with live progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.flagConfig, "config", "", "Config file (default ~/.wisdomprompt/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.flagAPIBase, "api-base", "", "Backend base URL")
	rootCmd.PersistentFlags().StringVar(&a.flagProtocol, "protocol", "", "Backend protocol: workflow or runs")
	rootCmd.PersistentFlags().BoolVarP(&a.flagVerbose, "verbose", "v", false, "Verbose logging to stderr")
	rootCmd.PersistentFlags().BoolVar(&a.flagNoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newAskCommand(a))
	rootCmd.AddCommand(newDecomposeCommand(a))
	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newRerunCommand(a))
	rootCmd.AddCommand(newEventsCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func (a *app) initialize() error {
	cfg, err := config.Load(a.flagConfig)
	if err != nil {
		return err
	}
	if a.flagAPIBase != "" {
		cfg.APIBase = a.flagAPIBase
	}
	if a.flagProtocol != "" {
		cfg.Protocol = a.flagProtocol
	}
	if a.flagVerbose {
		cfg.Verbose = true
	}
	if a.flagNoColor {
		cfg.NoColor = true
	}
	a.cfg = cfg

	color.NoColor = cfg.NoColor || !isTTY()

	if cfg.Verbose {
		a.logger = logging.NewComponentLoggerWithOptions("wisdomprompt", os.Stderr, logging.LevelDebug)
	} else {
		a.logger = logging.NewComponentLogger("wisdomprompt")
	}
	a.client = api.NewClient(cfg.APIBase, api.WithLogger(a.logger))
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("wisdomprompt " + appVersion)
		},
	}
}
