// Package cli wires configuration, adapters and services into the syncview
// commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go2tv.app/syncview/internal/buildinfo"
)

type rootOptions struct {
	envFiles []string
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "syncview",
		Short:         "Synchronized multi-session video playback with Chromecast mirroring.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       buildinfo.Version,
	}
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv file(s) to load before the environment (default .env)")

	root.AddCommand(
		newServeCommand(opts),
		newSelfTestCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
			return nil
		},
	}
}
