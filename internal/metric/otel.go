package metric

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/starwalkn/ladle"

// Otel records metrics through an OpenTelemetry meter. Depending on the constructor the
// readings are pulled by Prometheus through Handler or pushed over OTLP.
type Otel struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	requests        otelmetric.Int64Counter
	requestDuration otelmetric.Float64Histogram
	responses       otelmetric.Int64Counter
	inFlight        otelmetric.Int64UpDownCounter
	failed          otelmetric.Int64Counter
	scriptLatency   otelmetric.Float64Histogram
	disabled        otelmetric.Int64Counter
	loaded          otelmetric.Int64Gauge
	reloads         otelmetric.Int64Counter
}

// NewPrometheus exposes the metrics on a private registry.
func NewPrometheus() (*Otel, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("cannot create prometheus exporter: %w", err)
	}

	m, err := newOtel(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))
	if err != nil {
		return nil, err
	}

	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return m, nil
}

// NewOTLP pushes the metrics to an OTLP/HTTP collector every interval.
func NewOTLP(ctx context.Context, endpoint string, insecure bool, interval time.Duration) (*Otel, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot create otlp metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))

	return newOtel(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
}

//nolint:funlen // one block per instrument
func newOtel(provider *sdkmetric.MeterProvider) (*Otel, error) {
	meter := provider.Meter(meterName)
	m := &Otel{provider: provider}

	var err error

	if m.requests, err = meter.Int64Counter("ladle_requests_total",
		otelmetric.WithDescription("ICAP requests received")); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram("ladle_request_duration_seconds",
		otelmetric.WithDescription("ICAP request handling time"), otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}

	if m.responses, err = meter.Int64Counter("ladle_responses_total",
		otelmetric.WithDescription("ICAP responses by status")); err != nil {
		return nil, err
	}

	if m.inFlight, err = meter.Int64UpDownCounter("ladle_requests_in_flight",
		otelmetric.WithDescription("ICAP requests being handled")); err != nil {
		return nil, err
	}

	if m.failed, err = meter.Int64Counter("ladle_failed_requests_total",
		otelmetric.WithDescription("ICAP requests answered with an error")); err != nil {
		return nil, err
	}

	if m.scriptLatency, err = meter.Float64Histogram("ladle_script_duration_seconds",
		otelmetric.WithDescription("script invocation time"), otelmetric.WithUnit("s")); err != nil {
		return nil, err
	}

	if m.disabled, err = meter.Int64Counter("ladle_scripts_disabled_total",
		otelmetric.WithDescription("scripts disabled after consecutive errors")); err != nil {
		return nil, err
	}

	if m.loaded, err = meter.Int64Gauge("ladle_scripts_loaded",
		otelmetric.WithDescription("scripts in the published registry")); err != nil {
		return nil, err
	}

	if m.reloads, err = meter.Int64Counter("ladle_reloads_total",
		otelmetric.WithDescription("registry reload passes")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus exposition. It is nil for push exporters.
func (m *Otel) Handler() http.Handler {
	return m.handler
}

func (m *Otel) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func (m *Otel) IncRequestsTotal(mode string) {
	m.requests.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Otel) UpdateRequestsDuration(mode string, start time.Time) {
	m.requestDuration.Record(context.Background(), time.Since(start).Seconds(),
		otelmetric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Otel) IncResponsesTotal(mode string, status int) {
	m.responses.Add(context.Background(), 1, otelmetric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", strconv.Itoa(status)),
	))
}

func (m *Otel) IncRequestsInFlight() {
	m.inFlight.Add(context.Background(), 1)
}

func (m *Otel) DecRequestsInFlight() {
	m.inFlight.Add(context.Background(), -1)
}

func (m *Otel) IncFailedRequestsTotal(reason FailReason) {
	m.failed.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("reason", string(reason))))
}

func (m *Otel) UpdateScriptLatency(script string, outcome ScriptOutcome, lat time.Duration) {
	m.scriptLatency.Record(context.Background(), lat.Seconds(), otelmetric.WithAttributes(
		attribute.String("script", script),
		attribute.String("outcome", string(outcome)),
	))
}

func (m *Otel) IncScriptsDisabled(script string) {
	m.disabled.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("script", script)))
}

func (m *Otel) SetScriptsLoaded(mode string, n int) {
	m.loaded.Record(context.Background(), int64(n), otelmetric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Otel) IncReloadsTotal(ok bool) {
	m.reloads.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.Bool("ok", ok)))
}
