package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var cycleTime time.Duration
	cmd := &cobra.Command{
		Use:   "run <bundle>",
		Short: "Load a bundle and run its scan cycle until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBundle(cmd.Context(), args[0], cycleTime)
		},
	}
	cmd.Flags().DurationVar(&cycleTime, "cycle", 10*time.Millisecond, "fixed ticker period driving execute_cycle")
	return cmd
}

func runBundle(ctx context.Context, dir string, cycleTime time.Duration) error {
	b, err := loadBundle(dir)
	if err != nil {
		return err
	}

	runLog := log.WithField("run_id", runID()).WithField("resource", b.Eval.Module.Strings[b.Engine.Resource.NameIdx])
	runLog.Info("bundle loaded")

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ticker := time.NewTicker(cycleTime)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			runLog.Info("shutdown requested")
			return nil
		case t := <-ticker.C:
			if err := b.Engine.ExecuteCycle(ctx, t.Sub(start)); err != nil {
				runLog.WithError(err).Error("cycle error")
				if b.Fault.Faulted() {
					runLog.Error("resource latched faulted, exiting")
					return err
				}
			}
		}
	}
}
