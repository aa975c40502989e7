// Package command is the cobra CLI for the intercom bridge.
package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "intercom"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Intercom - bridge between a coding agent and a remote operator",
		Long:          "Intercom bridges a local coding agent and a remote operator over a chat channel:\napprovals, steering, status, and liveness flow through one daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("config", "", "path to the YAML config file")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(
		NewServeCmd(),
		NewSessionsCmd(),
		NewCtlCmd(),
	)

	return cmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd(Version).Execute()
}
