package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/starwalkn/ladle"
	"github.com/starwalkn/ladle/internal/admin"
	"github.com/starwalkn/ladle/internal/logger"
	"github.com/starwalkn/ladle/internal/server"
	"github.com/starwalkn/ladle/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run ICAP server",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

//nolint:funlen // wiring
func runServe() error {
	cfg, err := ladle.LoadConfig(configPath())
	if err != nil {
		return err
	}

	log := logger.New(cfg.Debug)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		return err
	}

	metrics, metricsHandler, shutdownMetrics, err := ladle.NewMetrics(ctx, cfg.Metrics)
	if err != nil {
		return err
	}

	svc, err := ladle.New(cfg, log.Named("service"), metrics)
	if err != nil {
		return err
	}

	if err = svc.Load(ctx); err != nil {
		log.Warn("scripts not loaded, serving without them", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Watch(gctx)
	})

	g.Go(func() error {
		return server.New(cfg.ICAP, svc, svc.ISTag, log.Named("icap"), metrics).Start(gctx)
	})

	if cfg.Admin.Enabled {
		api, aerr := admin.New(cfg.Admin, svc.Registry(), svc.Cache(), metricsHandler, log.Named("admin"))
		if aerr != nil {
			return aerr
		}

		g.Go(api.Start)
		g.Go(func() error {
			<-gctx.Done()
			return api.Stop(context.WithoutCancel(gctx))
		})
	}

	g.Go(func() error {
		reloadOnHangup(gctx, svc, log)
		return nil
	})

	log.Info("ladle started", zap.String("version", version), zap.String("istag", svc.ISTag()))

	err = g.Wait()

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:mnd // internal timeout
	defer cancel()

	if serr := shutdownMetrics(shutdownCtx); serr != nil {
		log.Warn("cannot flush metrics", zap.Error(serr))
	}

	if serr := shutdownTracing(shutdownCtx); serr != nil {
		log.Warn("cannot flush traces", zap.Error(serr))
	}

	log.Info("server stopped")

	return err
}

// reloadOnHangup rereads changed scripts on SIGHUP.
func reloadOnHangup(ctx context.Context, svc *ladle.Service, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := svc.Registry().ReloadChanged(ctx); err != nil {
				log.Warn("reload on SIGHUP failed", zap.Error(err))
				continue
			}

			log.Info("scripts reloaded on SIGHUP", zap.String("istag", svc.ISTag()))
		}
	}
}
