package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var portFlag int
	var configFlag string
	var yamlFlag bool

	ctx := newCommandContext(&portFlag, &configFlag, &yamlFlag)

	rootCmd := &cobra.Command{
		Use:           "tomato",
		Short:         "Lab automation daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "Daemon port (defaults to daemon.port from the settings file)")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Settings file path")
	rootCmd.PersistentFlags().BoolVar(&yamlFlag, "yaml", false, "Print results as YAML")

	for _, cmd := range newDaemonCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newDaemonRunCommand(ctx))
	rootCmd.AddCommand(newDriverRunCommand(ctx))
	rootCmd.AddCommand(newInitCommand(ctx))
	rootCmd.AddCommand(newPipelineCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newComponentCommand(ctx))
	rootCmd.AddCommand(newLogCommand(ctx))
	rootCmd.AddCommand(newTestNotifyCommand(ctx))

	return rootCmd
}
