// Package sandbox runs single script invocations under a deadline and keeps the per-script
// failure accounting.
package sandbox

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/script"
)

type Config struct {
	MaxTimeout time.Duration
	Identity   Identity
}

type Sandbox struct {
	cfg     Config
	cache   script.Cache
	log     *zap.Logger
	metrics metric.Metrics
	tracer  trace.Tracer
}

func New(cfg Config, cache script.Cache, log *zap.Logger, metrics metric.Metrics) *Sandbox {
	return &Sandbox{
		cfg:     cfg,
		cache:   cache,
		log:     log,
		metrics: metrics,
		tracer:  otel.Tracer("ladle.sandbox"),
	}
}

// Invoke runs d against content, the decoded active body of msg. The script works on a
// copy of msg; only a successful run writes the resulting header block back.
//
//nolint:funlen // accounting for every outcome
func (s *Sandbox) Invoke(ctx context.Context, d *script.Descriptor, msg *message.Message, content string) (*script.Result, error) {
	if !d.Enabled() {
		return nil, &Error{Kind: KindDisabled, Script: d.Name, Err: ErrDisabled}
	}

	prog := d.Program()
	if prog == nil {
		return nil, &Error{Kind: KindNotCompiled, Script: d.Name, Err: ErrNotCompiled}
	}

	ctx, span := s.tracer.Start(ctx, "script.invoke", trace.WithAttributes(
		attribute.String("script.name", d.Name),
		attribute.String("script.engine", d.Engine),
		attribute.String("icap.mode", msg.Mode.String()),
	))
	defer span.End()

	env := s.env(msg, content)
	start := time.Now()

	res, err := s.run(ctx, prog, env, s.timeout(d))
	lat := time.Since(start)

	if err != nil {
		serr := s.classify(d.Name, err)

		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())

		if !serr.Counted() {
			return nil, serr
		}

		s.metrics.UpdateScriptLatency(d.Name, outcome(serr.Kind), lat)

		disabled := d.RecordFailure(serr.Err)

		s.log.Warn("script failed",
			zap.String("script", d.Name),
			zap.String("kind", string(serr.Kind)),
			zap.Int("failures", d.Failures()),
			zap.Duration("elapsed", lat),
			zap.Error(serr.Err),
		)

		if disabled {
			s.metrics.IncScriptsDisabled(d.Name)
			s.log.Error("script disabled", zap.String("script", d.Name), zap.String("note", d.PendingError()))
		}

		return nil, serr
	}

	d.RecordSuccess()
	s.metrics.UpdateScriptLatency(d.Name, metric.ScriptOutcomeOK, lat)

	for _, line := range res.Trace {
		s.log.Debug("script trace", zap.String("script", d.Name), zap.String("trace", line))
	}

	writeBack(msg, env.Message, res.Header)

	return res, nil
}

// Check runs a freshly compiled script once against a synthetic message. Nothing is
// counted and no state outside the script's own effects on the cache changes.
func (s *Sandbox) Check(ctx context.Context, d *script.Descriptor) error {
	prog := d.Program()
	if prog == nil {
		return ErrNotCompiled
	}

	msg := Synthetic(d.Mode)

	_, err := s.run(ctx, prog, s.env(msg, string(msg.Body())), s.timeout(d))
	if err != nil {
		return s.classify(d.Name, err)
	}

	return nil
}

// Synthetic builds the message used to check scripts.
func Synthetic(mode message.Mode) *message.Message {
	msg := message.New(mode)
	msg.RequestHeader = message.NewHeader(message.Normalize("GET http://localhost/ HTTP/1.1\r\nHost: localhost"))
	msg.ParseRequestLine()

	if mode == message.ModeRespmod {
		msg.ResponseHeader = message.NewHeader(message.Normalize(
			"HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: 26"))
		msg.ResponseBody = []byte("<html><body></body></html>")
		msg.ParseStatusLine()
	}

	return msg
}

func (s *Sandbox) timeout(d *script.Descriptor) time.Duration {
	if d.Timeout <= 0 || (s.cfg.MaxTimeout > 0 && d.Timeout > s.cfg.MaxTimeout) {
		return s.cfg.MaxTimeout
	}

	return d.Timeout
}

func (s *Sandbox) env(msg *message.Message, content string) *script.Env {
	return &script.Env{
		Mode:           msg.Mode,
		URL:            msg.URL,
		Method:         msg.Method,
		StatusCode:     msg.StatusCode,
		RequestHeader:  msg.RequestHeader.String(),
		ResponseHeader: msg.ResponseHeader.String(),
		Body:           content,
		UserID:         s.cfg.Identity.User(msg),
		UserGroup:      s.cfg.Identity.Group(msg),
		Cache:          s.cache,
		Message:        msg.Clone(),
	}
}

type outcomeOf struct {
	res *script.Result
	err error
}

// run executes prog on its own goroutine. The caller gets control back when the deadline
// passes even if the engine ignores cancellation; the goroutine is then abandoned.
func (s *Sandbox) run(ctx context.Context, prog script.Program, env *script.Env, timeout time.Duration) (*script.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
		defer cancel()
	}

	done := make(chan outcomeOf, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcomeOf{err: &panicError{value: r}}
			}
		}()

		res, err := prog.Run(ctx, env)
		done <- outcomeOf{res: res, err: err}
	}()

	select {
	case o := <-done:
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		if o.err == nil && o.res == nil {
			return nil, errors.New("script returned no result")
		}

		return o.res, o.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (s *Sandbox) classify(name string, err error) *Error {
	var pe *panicError

	switch {
	case errors.Is(err, ErrTimeout):
		return &Error{Kind: KindTimeout, Script: name, Err: ErrTimeout}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindCanceled, Script: name, Err: err}
	case errors.As(err, &pe):
		return &Error{Kind: KindPanic, Script: name, Err: err}
	default:
		return &Error{Kind: KindRuntime, Script: name, Err: err}
	}
}

func outcome(k Kind) metric.ScriptOutcome {
	switch k {
	case KindTimeout:
		return metric.ScriptOutcomeTimeout
	case KindPanic:
		return metric.ScriptOutcomePanic
	default:
		return metric.ScriptOutcomeError
	}
}

// writeBack applies the header block a script produced. Request lines are parsed again
// so the URL follows a rewrite.
func writeBack(msg, scratch *message.Message, header string) {
	h := msg.Header()
	if header == h.String() {
		return
	}

	h.Replace(header)

	if msg.Mode == message.ModeRespmod {
		msg.ParseStatusLine()
		return
	}

	if msg.ResponseShaped() {
		return
	}

	msg.ParseRequestLine()

	if scratch != nil && scratch.URL != "" && scratch.RequestHeader.String() == h.String() {
		msg.URL = scratch.URL
	}
}
