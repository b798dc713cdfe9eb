package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tomato/internal/logs"
)

func newLogCommand(ctx *commandContext) *cobra.Command {
	var driverName string
	var jobID int64
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the daemon, a driver or a job log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if driverName != "" && jobID > 0 {
				return fmt.Errorf("--driver and --job are mutually exclusive")
			}
			path := logs.DaemonPath(cfg)
			switch {
			case driverName != "":
				path = logs.DriverPath(cfg, driverName)
			case jobID > 0:
				path = logs.JobPath(cfg, jobID)
			}

			out := cmd.OutOrStdout()
			if follow {
				runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()
				return logs.Follow(runCtx, path, lines, out)
			}
			res, err := logs.Tail(context.WithoutCancel(cmd.Context()), path, logs.TailOptions{Offset: -1, Limit: lines})
			if err != nil {
				return err
			}
			if len(res.Lines) == 0 {
				fmt.Fprintf(out, "No log lines in %s\n", path)
				return nil
			}
			for _, line := range res.Lines {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&driverName, "driver", "", "Show the log of this driver")
	cmd.Flags().Int64Var(&jobID, "job", 0, "Show the log of this job")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	return cmd
}
