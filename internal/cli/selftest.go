package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"go2tv.app/syncview/internal/adapters/go2tv"
	"go2tv.app/syncview/internal/buildinfo"
	"go2tv.app/syncview/internal/config"
	"go2tv.app/syncview/internal/diagnostics"
	"go2tv.app/syncview/internal/logging"
)

type selfTestOutput struct {
	Server struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Config struct {
		Valid           bool   `json:"valid"`
		Error           string `json:"error,omitempty"`
		ResolverBaseURL string `json:"resolver_base_url,omitempty"`
		MetricsEnabled  bool   `json:"metrics_enabled"`
		RelayEnabled    bool   `json:"relay_enabled"`
	} `json:"config"`
	Go2TVAdapters struct {
		DiscoveryWired bool `json:"discovery_wired"`
		CastWired      bool `json:"cast_wired"`
		MirrorWired    bool `json:"mirror_wired"`
	} `json:"go2tv_adapters"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

func newSelfTestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "self-test",
		Short: "Report configuration, adapter wiring and GStreamer availability as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := selfTestOutput{}
			out.Server.Name = "syncview"
			out.Server.Version = buildinfo.Version

			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				out.Config.Error = err.Error()
			} else {
				out.Config.Valid = true
				out.Config.ResolverBaseURL = cfg.ResolverBaseURL
				out.Config.MetricsEnabled = cfg.MetricsAddr != ""
				out.Config.RelayEnabled = cfg.RedisURL != ""
			}

			logger, closer, err := logging.New(logging.Options{Level: "disabled", Console: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer closer.Close()

			bundle := go2tv.NewBundle(logger)
			out.Go2TVAdapters.DiscoveryWired = bundle.Discovery != nil
			out.Go2TVAdapters.CastWired = bundle.CastFactory != nil
			out.Go2TVAdapters.MirrorWired = bundle.MirrorEngine != nil
			out.Dependencies = diagnostics.DetectDependencies(cmd.Context())

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}
}
