package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tomato/internal/api"
	"tomato/internal/daemonctl"
	"tomato/internal/daemonrun"
	"tomato/internal/ipc"
	"tomato/internal/preflight"
	"tomato/internal/queue"
)

const (
	startTimeout = 15 * time.Second
	stopTimeout  = 15 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the tomato daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			result, err := daemonctl.EnsureStarted(cmd.Context(), exe, daemonctl.LaunchOptions{
				Port:       ctx.port(),
				ConfigPath: ctx.configPath,
			}, startTimeout)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(stdout, "Daemon already running on port %d (pid %d)\n", ctx.port(), result.PID)
			default:
				fmt.Fprintf(stdout, "Daemon started on port %d (pid %d)\n", ctx.port(), result.PID)
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the tomato daemon",
		Long: `Stop the tomato daemon and its driver processes.

The daemon refuses to stop while jobs are running. Cancel them first with
"tomato job cancel". Killing the daemon while jobs run leaves the lock file
and the job state behind; both need manual cleanup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			result, err := daemonctl.StopAndWait(cmd.Context(), ctx.port(), stopTimeout)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, driver and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.configValue())
			if err != nil {
				return err
			}
			if ctx.yaml() {
				return writeYAML(cmd, st)
			}
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)
			printDaemonStatus(stdout, st, colorize)
			fmt.Fprintln(stdout)
			printChecks(stdout, preflight.RunAll(ctx.configValue()), colorize)
			return nil
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-read the settings and devices files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				resp, err := client.Reload(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.yaml() {
					return writeYAML(cmd, resp)
				}
				printReload(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd, reloadCmd}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the tomato daemon in the foreground",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				ConfigPath: ctx.configPath,
				Console:    console,
			})
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Mirror the daemon log to stderr")
	return cmd
}

func printChecks(w io.Writer, results []preflight.Result, colorize bool) {
	for _, line := range renderSectionHeader("Checks", colorize) {
		fmt.Fprintln(w, line)
	}
	for _, r := range results {
		kind := statusOK
		if !r.Passed {
			kind = statusError
		}
		fmt.Fprintln(w, renderStatusLine(r.Name, kind, r.Detail, colorize))
	}
}

func printDaemonStatus(w io.Writer, st api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(w, line)
	}
	if st.Running {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d, port %d)", st.PID, st.Port), colorize))
	} else {
		fmt.Fprintln(w, renderStatusLine("Daemon", statusWarn, fmt.Sprintf("not running on port %d", st.Port), colorize))
	}
	if st.StartedAt != "" {
		fmt.Fprintln(w, renderStatusLine("Started", statusInfo, st.StartedAt, colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Queue", statusInfo, displayPath(st.QueueDBPath), colorize))
	fmt.Fprintln(w, renderStatusLine("Devices", statusInfo, displayPath(st.DevicesFile), colorize))
	if st.LogPath != "" {
		fmt.Fprintln(w, renderStatusLine("Log", statusInfo, st.LogPath, colorize))
	}
	fmt.Fprintln(w, renderStatusLine("Pipelines", statusInfo, strconv.Itoa(st.Pipelines), colorize))

	if len(st.Drivers) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Drivers", colorize) {
			fmt.Fprintln(w, line)
		}
		rows := make([][]string, 0, len(st.Drivers))
		for _, d := range st.Drivers {
			rows = append(rows, []string{d.Name, pidText(d.PID), portText(d.Port), yesNo(d.Connected), d.ConnectedAt})
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Driver", "PID", "Port", "Connected", "Since"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
		))
	}

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Jobs", colorize) {
		fmt.Fprintln(w, line)
	}
	rows := jobStatRows(st.JobStats)
	if len(rows) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	fmt.Fprintln(w, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
}

// jobStatRows lists non-zero counts in lifecycle order.
func jobStatRows(stats map[string]int) [][]string {
	var rows [][]string
	for _, status := range queue.AllStatuses() {
		if n := stats[string(status)]; n > 0 {
			rows = append(rows, []string{fmt.Sprintf("%s (%s)", status.Label(), status), strconv.Itoa(n)})
		}
	}
	return rows
}

func printReload(w io.Writer, resp ipc.ReloadResponse) {
	sections := []struct {
		label string
		names []string
	}{
		{"Added drivers", resp.AddedDrivers},
		{"Removed drivers", resp.RemovedDrivers},
		{"Changed settings", resp.ChangedSettings},
		{"Added components", resp.AddedComponents},
		{"Changed components", resp.ChangedComponents},
		{"Removed components", resp.RemovedComponents},
		{"Added pipelines", resp.AddedPipelines},
		{"Changed pipelines", resp.ChangedPipelines},
		{"Removed pipelines", resp.RemovedPipelines},
	}
	changed := false
	for _, s := range sections {
		if len(s.names) == 0 {
			continue
		}
		changed = true
		names := slices.Clone(s.names)
		slices.Sort(names)
		fmt.Fprintf(w, "%s: %s\n", s.label, strings.Join(names, ", "))
	}
	if !changed {
		fmt.Fprintln(w, "Reloaded, nothing changed")
	}
}

func displayPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return "-"
	}
	return path
}

func pidText(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func portText(port int) string {
	if port <= 0 {
		return "-"
	}
	return strconv.Itoa(port)
}
