package ladle

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/registry"
	"github.com/starwalkn/ladle/internal/sandbox"
	"github.com/starwalkn/ladle/internal/script"
	"github.com/starwalkn/ladle/internal/sharedcache"
)

// Service answers ICAP requests by running the registered scripts over the
// encapsulated messages.
type Service struct {
	cfg     Config
	log     *zap.Logger
	metrics metric.Metrics
	tracer  trace.Tracer

	engines  *script.Engines
	registry *registry.Registry
	sandbox  *sandbox.Sandbox
	cache    *sharedcache.Cache
}

func (s *Service) Registry() *registry.Registry { return s.registry }
func (s *Service) Cache() *sharedcache.Cache     { return s.cache }
func (s *Service) Engines() *script.Engines      { return s.engines }

// ISTag identifies the current script set towards ICAP clients.
func (s *Service) ISTag() string { return s.registry.ISTag() }

// Load reads every script of the directory.
func (s *Service) Load(ctx context.Context) error {
	return s.registry.LoadAll(ctx)
}

// Watch keeps the registry in sync with the scripts directory until ctx ends.
func (s *Service) Watch(ctx context.Context) error {
	if !s.cfg.Scripts.Watch {
		<-ctx.Done()
		return nil
	}

	return s.registry.Watch(ctx)
}

// ServeICAP dispatches one request by method. Every path leaves a response in w.
//
// Flow:
//
//  1. OPTIONS is answered from configuration.
//  2. REQMOD and RESPMOD run their pipeline; an unmodified outcome is a 204 when the
//     client allows it, else an echo of the message.
//  3. Errors without a written response become a bodiless error status: 504 for an
//     aborted script chain, 400 for framing errors, 500 otherwise.
func (s *Service) ServeICAP(ctx context.Context, w *icap.ResponseWriter, req *icap.Request) {
	start := time.Now()

	if req.Method == "OPTIONS" {
		if err := s.options(w, req); err != nil {
			s.log.Warn("cannot write options response", zap.Error(err))
		}

		s.log.Debug("icap options", zap.String("service", req.URL.Path), zap.Int("status", w.Status()))

		return
	}

	mode := req.Message.Mode
	modeName := mode.String()

	s.metrics.IncRequestsTotal(modeName)

	s.metrics.IncRequestsInFlight()
	defer s.metrics.DecRequestsInFlight()

	defer s.metrics.UpdateRequestsDuration(modeName, start)

	connID := icap.ConnID(ctx)

	ctx, span := s.tracer.Start(ctx, "icap."+strings.ToLower(modeName), trace.WithAttributes(
		attribute.String("icap.service", req.URL.Path),
		attribute.String("icap.conn_id", connID),
		attribute.String("http.url", req.Message.URL),
	))
	defer span.End()

	tx := &transaction{mode: mode, connID: connID, url: req.Message.URL}

	var err error

	switch mode {
	case message.ModeRespmod:
		err = s.respmod(ctx, w, req, tx)
	default:
		err = s.reqmod(ctx, w, req, tx)
	}

	if err != nil {
		status := statusFor(err)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		s.metrics.IncFailedRequestsTotal(failReason(err))
		tx.note(err.Error())

		if !w.Written() {
			if status != icap.StatusServiceTimeout {
				w.CloseAfter()
			}

			if werr := w.WriteError(status); werr != nil {
				s.log.Warn("cannot write error response", zap.Error(werr))
			}
		}
	}

	span.SetAttributes(attribute.Int("icap.status", w.Status()))
	s.metrics.IncResponsesTotal(modeName, w.Status())

	tx.log(s.log, w.Status(), time.Since(start))
}

// options describes the service. A path naming one mode ("/reqmod", "/respmod")
// advertises that mode only.
func (s *Service) options(w *icap.ResponseWriter, req *icap.Request) error {
	methods := []string{message.ModeReqmod.String(), message.ModeRespmod.String()}

	path := strings.ToLower(req.URL.Path)

	switch {
	case strings.Contains(path, "resp"):
		methods = methods[1:]
	case strings.Contains(path, "req"):
		methods = methods[:1]
	}

	include := []string{sandbox.HeaderAuthenticatedUser, sandbox.HeaderAuthenticatedGroups}
	if h := s.cfg.Identity.UserHeader; h != "" {
		include = append(include, h)
	}

	return w.WriteOptions(icap.Options{
		Methods:         methods,
		Service:         s.cfg.ICAP.Service,
		ServiceID:       "ladle",
		TTL:             s.cfg.ICAP.OptionsTTL,
		MaxConnections:  s.cfg.ICAP.Workers,
		Preview:         s.cfg.ICAP.Preview,
		TransferPreview: s.cfg.ICAP.TransferPreview,
		Include:         include,
	})
}
