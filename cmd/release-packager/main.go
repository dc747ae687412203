package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go2tv.app/syncview/internal/buildinfo"
	"go2tv.app/syncview/internal/release"
)

func main() {
	var (
		outDir  string
		version string
		commit  string
	)
	cmd := &cobra.Command{
		Use:          "release-packager",
		Short:        "Build the host syncview archive and its SHA256SUMS",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			artifacts, err := release.BuildArtifacts(cmd.Context(), release.Options{
				OutDir:   outDir,
				RepoRoot: ".",
				Version:  version,
				Commit:   commit,
				Date:     time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			for _, artifact := range artifacts {
				fmt.Fprintln(cmd.OutOrStdout(), artifact.ArchiveName)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SHA256SUMS")
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "dist", "output directory for release artifacts")
	cmd.Flags().StringVar(&version, "version", buildinfo.Version, "version stamped into the binary")
	cmd.Flags().StringVar(&commit, "commit", "", "commit stamped into the binary")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
