package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"tomato/internal/api"
	"tomato/internal/ipc"
)

func newPipelineCommand(ctx *commandContext) *cobra.Command {
	pipelineCmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"pip"},
		Short:   "Load, eject and inspect pipelines",
	}

	loadCmd := &cobra.Command{
		Use:   "load <pipeline> <sample>",
		Short: "Place a sample into an empty pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				p, err := client.PipelineLoad(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s into %s\n", p.Sample, p.Name)
				return nil
			})
		},
	}

	ejectCmd := &cobra.Command{
		Use:   "eject <pipeline>",
		Short: "Remove the sample from an idle pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				p, err := client.PipelineEject(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ejected sample from %s\n", p.Name)
				return nil
			})
		},
	}

	readyCmd := &cobra.Command{
		Use:   "ready <pipeline>",
		Short: "Mark an idle pipeline as ready for the next job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				p, err := client.PipelineReady(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s is ready\n", p.Name)
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"status"},
		Short:   "List pipelines with their sample and running job",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				pips, err := client.PipelineList(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.yaml() {
					return writeYAML(cmd, api.PipelineListResponse{Pipelines: pips})
				}
				printPipelines(cmd.OutOrStdout(), pips)
				return nil
			})
		},
	}

	pipelineCmd.AddCommand(loadCmd, ejectCmd, readyCmd, listCmd)
	return pipelineCmd
}

func printPipelines(w io.Writer, pips []api.Pipeline) {
	if len(pips) == 0 {
		fmt.Fprintln(w, "No pipelines configured")
		return
	}
	rows := make([][]string, 0, len(pips))
	for _, p := range pips {
		job := "-"
		if p.RunningJob > 0 {
			job = fmt.Sprintf("%d", p.RunningJob)
		}
		bindings := make([]string, 0, len(p.Bindings))
		for _, b := range p.Bindings {
			bindings = append(bindings, b.Role+"="+b.Component)
		}
		rows = append(rows, []string{p.Name, displayPath(p.Sample), yesNo(p.Ready), job, strings.Join(bindings, " ")})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Pipeline", "Sample", "Ready", "Job", "Components"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	))
}
