// wisdomprompt-site serves the built frontend bundle behind a sub-path,
// avoiding the redirect loop a plain preview server hits behind nginx.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/CXL-edu/WisdomPrompt/internal/logging"
	"github.com/CXL-edu/WisdomPrompt/internal/site"
)

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cfg := site.DefaultConfig()
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Port = n
		}
	}

	cmd := &cobra.Command{
		Use:          "wisdomprompt-site",
		Short:        "Serve the WisdomPrompt frontend bundle",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewComponentLogger("site")
			srv := site.NewServer(cfg, logger)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Error("shutdown: %v", err)
				}
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&cfg.Host, "host", cfg.Host, "Listen host")
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	cmd.Flags().StringVar(&cfg.BasePath, "base", cfg.BasePath, "Sub-path the bundle is mounted under")
	cmd.Flags().StringVar(&cfg.Dist, "dist", cfg.Dist, "Directory with the built frontend")
	cmd.Flags().BoolVar(&cfg.Debug, "debug", cfg.Debug, "Verbose request logging")
	return cmd
}
