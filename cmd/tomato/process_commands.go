package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"tomato/internal/driver"
	"tomato/internal/driverapi"
	"tomato/internal/ipc"
	"tomato/internal/jobrun"
	"tomato/internal/logging"
	"tomato/internal/logs"
	"tomato/internal/queue"
)

func newDriverRunCommand(ctx *commandContext) *cobra.Command {
	var name string
	var session string
	var console bool

	cmd := &cobra.Command{
		Use:    "driver",
		Short:  "Run a driver process (spawned by the daemon)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			name = strings.TrimSpace(name)
			factory, ok := driverapi.Lookup(name)
			if !ok {
				return fmt.Errorf("unknown driver %q (known: %s)", name, strings.Join(driverapi.Names(), ", "))
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger, _, err := logging.NewFromConfig(cfg, logs.DriverFile(name, cfg.Daemon.Port), console)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			host, err := driver.NewHost(driver.HostOptions{
				Name:     name,
				Factory:  factory,
				Settings: cfg.DriverSettings(name),
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			daemonClient := ipc.NewDaemonClient(cfg.Daemon.Port, cfg.DriverTimeout())
			defer daemonClient.Close()

			stopped := make(chan struct{})
			var once sync.Once
			stop := func() { once.Do(func() { close(stopped) }) }

			svc := ipc.NewDriverService(runCtx, host, daemonClient.ComponentUpdate, stop, logger)
			server, err := ipc.NewServer(runCtx, "127.0.0.1:0", ipc.DriverServiceName, svc, logger)
			if err != nil {
				return err
			}
			server.Serve()
			defer func() {
				server.Close()
				_ = host.Close(context.Background())
			}()

			settings, err := daemonClient.DriverHello(runCtx, ipc.DriverHelloRequest{
				Driver:  name,
				Session: session,
				PID:     os.Getpid(),
				Port:    server.Port(),
			})
			if err != nil {
				return fmt.Errorf("announce driver: %w", err)
			}
			host.SetSettings(settings)
			logger.Info("driver ready",
				logging.String(logging.FieldDriver, name),
				logging.Int("port", server.Port()),
			)

			select {
			case <-runCtx.Done():
				logger.Info("driver interrupted")
			case <-stopped:
				logger.Info("driver stopped by daemon")
			case err := <-host.Fatal():
				logging.ErrorWithContext(logger, "driver backend failed", "driver_fatal",
					logging.Error(err),
					logging.String(logging.FieldImpact, "components of this driver are unavailable until reload"),
				)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Driver name")
	cmd.Flags().StringVar(&session, "session", "", "Spawn session token")
	cmd.Flags().BoolVar(&console, "console", false, "Mirror the driver log to stderr")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// runJobProcess executes the job described by a jobdata file. It backs
// "tomato job <jobfile>", which the scheduler spawns.
func runJobProcess(cmd *cobra.Command, ctx *commandContext, jobFile string) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	runCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	outcome, err := jobrun.Run(runCtx, jobrun.Options{
		Port:          cfg.Daemon.Port,
		JobFile:       jobFile,
		DriverTimeout: cfg.DriverTimeout(),
	})
	if err != nil {
		return err
	}
	if outcome.Status == queue.StatusFailed {
		return errors.New(jobFailureMessage(outcome))
	}
	return nil
}

func jobFailureMessage(outcome jobrun.Outcome) string {
	msg := fmt.Sprintf("job finished with status %s", outcome.Status)
	if outcome.Message != "" {
		msg += ": " + outcome.Message
	}
	return msg
}
