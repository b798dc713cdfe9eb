package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tomato/internal/config"
	"tomato/internal/topology"
)

func newInitCommand(ctx *commandContext) *cobra.Command {
	var devicesPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write sample settings and devices files",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			settingsTarget, err := resolveTarget(*ctx.configFlag, config.DefaultConfigPath)
			if err != nil {
				return fmt.Errorf("resolve settings path: %w", err)
			}
			devicesTarget, err := resolveTarget(devicesPath, func() (string, error) {
				return config.ExpandPath(config.Default().Paths.DevicesFile)
			})
			if err != nil {
				return fmt.Errorf("resolve devices path: %w", err)
			}

			if !overwrite {
				for _, target := range []string{settingsTarget, devicesTarget} {
					if _, err := os.Stat(target); err == nil {
						return fmt.Errorf("%s already exists (use --overwrite to replace it)", target)
					} else if !os.IsNotExist(err) {
						return fmt.Errorf("check %s: %w", target, err)
					}
				}
			}

			if err := config.CreateSample(settingsTarget); err != nil {
				return err
			}
			if err := topology.CreateSample(devicesTarget); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample settings to %s\n", settingsTarget)
			fmt.Fprintf(out, "Wrote sample devices to %s\n", devicesTarget)
			if devicesPath != "" {
				fmt.Fprintln(out, "Set paths.devices_file in the settings file to the devices path above.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&devicesPath, "devices", "", "Destination for the devices file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing files")
	return cmd
}

func resolveTarget(value string, fallback func() (string, error)) (string, error) {
	if target := strings.TrimSpace(value); target != "" {
		return config.ExpandPath(target)
	}
	return fallback()
}
