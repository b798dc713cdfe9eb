package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tomato/internal/api"
	"tomato/internal/ipc"
	"tomato/internal/payload"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and manage jobs",
		Long: `Submit and manage jobs.

Invoked with a single jobdata file instead of a subcommand, "tomato job"
runs that job in the foreground. The scheduler starts job processes this way.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runJobProcess(cmd, ctx, args[0])
		},
	}

	var jobName string
	submitCmd := &cobra.Command{
		Use:   "submit <payload>",
		Short: "Queue a payload file (YAML or JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := payload.Load(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				job, err := client.JobSubmit(cmd.Context(), strings.TrimSpace(jobName), p)
				if err != nil {
					return err
				}
				if ctx.yaml() {
					return writeYAML(cmd, job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %d for sample %s\n", job.ID, job.Sample)
				return nil
			})
		},
	}
	submitCmd.Flags().StringVar(&jobName, "name", "", "Optional job name")

	statusCmd := &cobra.Command{
		Use:   "status [ids...]",
		Short: "Show jobs (all jobs when no ids are given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				resp, err := client.JobStatus(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				if ctx.yaml() {
					return writeYAML(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				printJobs(stdout, resp.Jobs, time.Now(), shouldColorize(stdout))
				for _, id := range resp.Missing {
					fmt.Fprintf(stdout, "Job %d not found\n", id)
				}
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <ids...>",
		Short: "Cancel queued or running jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				stdout := cmd.OutOrStdout()
				var failed int
				for _, id := range ids {
					status, err := client.JobCancel(cmd.Context(), id)
					if err != nil {
						failed++
						fmt.Fprintf(stdout, "Job %d: %v\n", id, err)
						continue
					}
					fmt.Fprintf(stdout, "Job %d: %s\n", id, status)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d cancellations failed", failed, len(ids))
				}
				return nil
			})
		},
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Write a snapshot of the data a job collected so far",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseJobIDs(args)
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				path, err := client.JobSnapshot(cmd.Context(), ids[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s\n", path)
				return nil
			})
		},
	}

	jobCmd.AddCommand(submitCmd, statusCmd, cancelCmd, snapshotCmd)
	return jobCmd
}

func parseJobIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid job id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printJobs(w io.Writer, jobs []api.Job, now time.Time, colorize bool) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return
	}
	rows := make([][]string, 0, len(jobs))
	for _, job := range api.SortJobsNewestFirst(jobs) {
		status := job.StatusLabel
		if status == "" {
			status = job.Status
		}
		if colorize {
			status = statusColors[jobStatusKind(job.Status)] + status + ansiReset
		}
		elapsed := "-"
		if d := api.Elapsed(job, now); d > 0 {
			elapsed = d.Round(time.Second).String()
		}
		rows = append(rows, []string{
			strconv.FormatInt(job.ID, 10),
			status,
			job.Sample,
			displayPath(job.Pipeline),
			strings.Join(job.Techniques, ","),
			elapsed,
		})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"ID", "Status", "Sample", "Pipeline", "Techniques", "Elapsed"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	))
}
