package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CXL-edu/WisdomPrompt/internal/config"
	"github.com/CXL-edu/WisdomPrompt/internal/controller"
)

func newAskCommand(a *app) *cobra.Command {
	var (
		yes       bool
		fromStep1 bool
	)

	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Decompose a query, confirm sub-tasks, and stream the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			if a.cfg.Protocol == config.ProtocolRuns && !fromStep1 {
				return runLifecycle(a, cmd, query, yes)
			}
			out := cmd.OutOrStdout()

			renderer := newProgressRenderer(out)
			ctrl := controller.New(a.client,
				controller.WithLogger(a.logger),
				controller.WithObserver(renderer.Observe),
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				fmt.Fprintln(out, gray("cancelling…"))
				ctrl.Cancel()
				cancel()
			}()

			if fromStep1 {
				if err := ctrl.StreamFromStep1(ctx, query); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, cyan("Decomposing query…"))
				dctx, dcancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
				err := ctrl.Decompose(dctx, query)
				dcancel()
				if err != nil {
					return err
				}

				if !yes && isTTY() {
					if err := editSubTasks(ctrl); err != nil {
						if errors.Is(err, errEditAborted) {
							fmt.Fprintln(out, gray("aborted"))
							return nil
						}
						return err
					}
				} else {
					printSubTasks(out, ctrl.SubTaskNames())
				}

				if err := ctrl.ConfirmAndStream(ctx); err != nil {
					return err
				}
			}

			ctrl.Wait()

			snap := ctrl.Snapshot()
			renderAnswer(out, snap.FinalAnswer)
			if snap.Banner != "" {
				return fmt.Errorf("run did not complete: %s", snap.Banner)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Run the suggested sub-tasks without editing")
	cmd.Flags().BoolVar(&fromStep1, "from-step1", false, "Run decomposition inside the stream instead of a separate call")
	return cmd
}

func newDecomposeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <query>",
		Short: "Print the suggested sub-tasks for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout)
			defer cancel()

			names, err := a.client.Decompose(ctx, args[0])
			if err != nil {
				return err
			}
			if len(names) == 0 {
				names = []string{args[0]}
			}
			printSubTasks(cmd.OutOrStdout(), names)
			return nil
		},
	}
}
