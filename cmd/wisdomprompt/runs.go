package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CXL-edu/WisdomPrompt/internal/controller"
)

func newRunCommand(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Execute a query through the run lifecycle with its event channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(a, cmd, args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Run the suggested sub-tasks without editing")
	return cmd
}

// runLifecycle drives a query through the run/confirm protocol. Shared by
// the run command and by ask when the configured protocol is "runs".
func runLifecycle(a *app, cmd *cobra.Command, query string, yes bool) error {
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

	sctx, scancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	err := ctrl.StartRun(sctx, query)
	scancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, gray("run "+ctrl.Snapshot().RunID))

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

	if err := ctrl.ConfirmRun(ctx); err != nil {
		return err
	}
	ctrl.Wait()

	snap := ctrl.Snapshot()
	renderAnswer(out, snap.FinalAnswer)
	if snap.Banner != "" {
		return fmt.Errorf("run did not complete: %s", snap.Banner)
	}
	return nil
}

func newRerunCommand(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rerun <run-id> <step>",
		Short: "Invalidate a run from the given step and restart it there",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[1])
			if err != nil || step < 1 || step > 4 {
				return fmt.Errorf("step must be 1-4, got %q", args[1])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout)
			defer cancel()

			if err := a.client.RerunFromStep(ctx, args[0], step, reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rerun requested from step %d; follow it with %s\n",
				step, bold("wisdomprompt events "+args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Optional reason recorded with the rerun")
	return cmd
}

func newEventsCommand(a *app) *cobra.Command {
	var lastEventID int

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Tail the raw event channel of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				cancel()
			}()

			stream, err := a.client.OpenEvents(ctx, args[0], lastEventID)
			if err != nil {
				return err
			}
			defer func() { _ = stream.Close() }()

			for {
				ev, err := stream.Next()
				if err != nil {
					if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				fmt.Fprintf(out, "%s %s %s\n", gray(strconv.Itoa(ev.ID)), yellow(ev.Name), string(ev.Data))
			}
		},
	}

	cmd.Flags().IntVar(&lastEventID, "last-event-id", 0, "Resume after this sequence number")
	return cmd
}
