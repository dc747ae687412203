package cli

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go2tv.app/syncview/internal/adapters/go2tv"
	"go2tv.app/syncview/internal/adapters/gstreamer"
	"go2tv.app/syncview/internal/buildinfo"
	"go2tv.app/syncview/internal/cast"
	"go2tv.app/syncview/internal/config"
	"go2tv.app/syncview/internal/discovery"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/lifecycle"
	"go2tv.app/syncview/internal/logging"
	"go2tv.app/syncview/internal/mcpserver"
	"go2tv.app/syncview/internal/metrics"
	"go2tv.app/syncview/internal/resolver"
	"go2tv.app/syncview/internal/session"
	"go2tv.app/syncview/internal/syncbus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve session tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			logger, closer, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := lifecycle.SignalContext(cmd.Context())
			defer stop()
			return serve(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newLogger(cfg config.Config) (zerolog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger, in io.Reader, out io.Writer) error {
	logger.Info().
		Str("server", "syncview").
		Str("version", buildinfo.Version).
		Str("log_level", cfg.LogLevel).
		Msg("mcp_server_start")

	urls, err := resolver.New(resolver.Options{
		BaseURL:  cfg.ResolverBaseURL,
		Timeout:  cfg.ResolverTimeout,
		RetryMax: cfg.ResolverRetryMax,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	bundle := go2tv.NewBundle(logger)
	discoverySvc := discovery.NewService(bundle.Discovery, ctx, discovery.Options{
		PollInterval: cfg.DiscoveryPoll,
		DelaySeconds: cfg.DiscoveryDelay,
		Logger:       logger,
	})

	m := metrics.New()
	bus := syncbus.Default()
	retry := cast.DefaultRetryPolicy()
	retry.Attempts = cfg.CastRetryAttempts
	retry.BaseBackoff = cfg.CastRetryBackoff

	manager := session.NewManager(session.ManagerOptions{
		Resolver:  urls,
		Engine:    &gstreamer.Factory{HWDecode: cfg.HWDecode, PrerollTimeout: cfg.PrerollTimeout, Logger: logger},
		Mirror:    bundle.MirrorEngine,
		Discovery: discoverySvc,
		Bus:       bus,
		CastRetry: retry,
		Observer:  sessionEventLogger(logger),
		Metrics:   m,
		Logger:    logger,
	})

	srv := mcpserver.New(in, out, mcpserver.Config{
		ServerName:    "syncview",
		ServerVersion: buildinfo.Version,
		Logger:        logger,
		Metrics:       m,
		Sessions:      manager,
		Targets:       discoverySvc,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	// The stdio stream ending stops every other component.
	g.Go(func() error {
		defer cancelRun()
		err := srv.Run(gctx)
		if err == nil {
			logger.Info().Str("reason", "clean_eof").Msg("mcp_server_stopping")
		} else {
			logger.Warn().Str("reason", err.Error()).Msg("mcp_server_stopping")
		}
		return err
	})

	if cfg.MetricsAddr != "" {
		handler := metrics.Router(m, func() { m.SetActiveSessions(manager.Count()) })
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, handler, logger)
		})
	}

	if cfg.RedisURL != "" {
		relay, err := syncbus.NewRelay(cfg.RedisURL, cfg.RedisChannel, bus, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil {
				logger.Error().Err(err).Msg("sync relay stopped; sync stays process-local")
			}
			return nil
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := manager.Close(shutdownCtx); err != nil {
		return errors.Wrap(err, "close sessions")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func sessionEventLogger(logger zerolog.Logger) func(domain.SessionEvent) {
	log := logger.With().Str("component", "events").Logger()
	return func(evt domain.SessionEvent) {
		e := log.Debug().Str("session", evt.SessionID).Str("event", string(evt.Type))
		if evt.Track != nil {
			e = e.Int("track_id", evt.Track.ID).Str("track_kind", evt.Track.Kind.String())
		}
		if evt.Target != nil {
			e = e.Str("target_id", evt.Target.ID).Str("target_name", evt.Target.Name)
		}
		if evt.Type == domain.EventSyncApplied {
			e = e.Dur("position", evt.Position)
		}
		e.Msg("session_event")
	}
}
