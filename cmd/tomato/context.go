package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"tomato/internal/config"
	"tomato/internal/daemonctl"
	"tomato/internal/ipc"
)

type commandContext struct {
	portFlag   *int
	configFlag *string
	yamlFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(portFlag *int, configFlag *string, yamlFlag *bool) *commandContext {
	return &commandContext{
		portFlag:   portFlag,
		configFlag: configFlag,
		yamlFlag:   yamlFlag,
	}
}

// ensureConfig loads the settings file once. An explicit --port overrides
// daemon.port so that every derived path (queue, lock, logs) follows it.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if c.portFlag != nil && *c.portFlag > 0 {
			cfg.Daemon.Port = *c.portFlag
			if err := cfg.Validate(); err != nil {
				c.configErr = err
				return
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		if exists {
			c.configPath = resolved
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) port() int {
	if cfg := c.configValue(); cfg != nil {
		return cfg.Daemon.Port
	}
	if c.portFlag != nil && *c.portFlag > 0 {
		return *c.portFlag
	}
	return config.Default().Daemon.Port
}

func (c *commandContext) yaml() bool {
	return c.yamlFlag != nil && *c.yamlFlag
}

func (c *commandContext) timeout() time.Duration {
	if cfg := c.configValue(); cfg != nil {
		return cfg.DriverTimeout() + 5*time.Second
	}
	return 10 * time.Second
}

func (c *commandContext) withClient(fn func(*ipc.DaemonClient) error) error {
	client := ipc.NewDaemonClient(c.port(), c.timeout())
	defer client.Close()
	return wrapDialError(fn(client), c.port())
}

func wrapDialError(err error, port int) error {
	if err == nil {
		return nil
	}
	if daemonctl.IsUnavailable(err) {
		return fmt.Errorf("connect to daemon: nothing listens on port %d; start the daemon with `tomato start`", port)
	}
	return err
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
