package ladle

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/engine/native"
	"github.com/starwalkn/ladle/internal/engine/process"
	"github.com/starwalkn/ladle/internal/engine/star"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/registry"
	"github.com/starwalkn/ladle/internal/sandbox"
	"github.com/starwalkn/ladle/internal/script"
	"github.com/starwalkn/ladle/internal/sharedcache"
)

const tracerName = "ladle.service"

// New assembles the adaptation service. Scripts are not loaded yet; call Load.
func New(cfg Config, log *zap.Logger, metrics metric.Metrics) (*Service, error) {
	engines, err := buildEngines(cfg.Engines, log)
	if err != nil {
		return nil, err
	}

	cache := sharedcache.New()

	sb := sandbox.New(sandbox.Config{
		MaxTimeout: cfg.Scripts.MaxTimeout,
		Identity:   cfg.Identity,
	}, cache, log.Named("sandbox"), metrics)

	opts := registry.Options{
		Dir: cfg.Scripts.Dir,
		Parse: script.ParseOptions{
			RequestTag:     cfg.Scripts.RequestTag,
			ResponseTag:    cfg.Scripts.ResponseTag,
			MaxTimeout:     cfg.Scripts.MaxTimeout,
			ErrorThreshold: cfg.Scripts.ErrorThreshold,
		},
		Engines:      engines,
		PollInterval: cfg.Scripts.PollInterval,
	}

	if cfg.Scripts.TestOnChange {
		opts.Check = sb.Check
	}

	return &Service{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
		engines:  engines,
		registry: registry.New(opts, log.Named("registry"), metrics),
		sandbox:  sb,
		cache:    cache,
	}, nil
}

func buildEngines(cfg EnginesConfig, log *zap.Logger) (*script.Engines, error) {
	var list []script.Engine

	if cfg.Starlark.Enabled {
		list = append(list, star.New(cfg.Starlark.Bindings, cfg.Starlark.MaxSteps, log.Named("starlark")))
	}

	if cfg.Native.Enabled {
		builder := native.NewPluginBuilder(cfg.Native.WorkDir, cfg.Native.GoBin, log.Named("native"))
		list = append(list, native.New(builder, log.Named("native")))
	}

	if cfg.Process.Enabled {
		e, err := process.New(cfg.Process.Interpreters, cfg.Process.WorkDir, cfg.Process.ShareCache, log.Named("process"))
		if err != nil {
			return nil, fmt.Errorf("cannot initialize process engine: %w", err)
		}

		list = append(list, e)
	}

	if len(list) == 0 {
		return nil, errors.New("no script engine enabled")
	}

	engines, err := script.NewEngines(list...)
	if err != nil {
		return nil, err
	}

	for _, e := range list {
		log.Info("script engine initialized", zap.String("name", e.Name()), zap.Strings("extensions", e.Extensions()))
	}

	return engines, nil
}

// NewMetrics builds the metrics backend of cfg. The handler is nil unless metrics are
// pulled by Prometheus; shutdown flushes pushed readings.
func NewMetrics(ctx context.Context, cfg MetricsConfig) (metric.Metrics, http.Handler, func(context.Context) error, error) {
	noShutdown := func(context.Context) error { return nil }

	switch cfg.Provider {
	case "prometheus":
		m, err := metric.NewPrometheus()
		if err != nil {
			return nil, nil, nil, err
		}

		return m, m.Handler(), m.Shutdown, nil
	case "otlp":
		if cfg.OTLP.Endpoint == "" {
			return nil, nil, nil, errors.New("metrics.otlp.endpoint is required for the otlp provider")
		}

		m, err := metric.NewOTLP(ctx, cfg.OTLP.Endpoint, cfg.OTLP.Insecure, cfg.OTLP.Interval)
		if err != nil {
			return nil, nil, nil, err
		}

		return m, nil, m.Shutdown, nil
	default:
		return metric.NewNop(), nil, noShutdown, nil
	}
}
