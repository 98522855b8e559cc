// Package admin serves the operator HTTP API: script listing and switching, reloads,
// shared cache inspection and metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle"
	"github.com/starwalkn/ladle/internal/ratelimit"
	"github.com/starwalkn/ladle/internal/registry"
)

// Scripts is the part of the registry operators drive.
type Scripts interface {
	Snapshot() *registry.Snapshot
	ISTag() string
	ReloadChanged(ctx context.Context) error
	SetEnabled(name string, enabled bool) error
	SetOrder(name string, order int) error
}

// Cache is the part of the shared script cache operators see.
type Cache interface {
	Keys() []string
	Len() int
	Flush() int
	Delete(key string)
}

type Server struct {
	http    *http.Server
	limiter *ratelimit.RateLimit
	log     *zap.Logger
}

// New builds the API. metrics may be nil when no scrape endpoint is exported.
func New(cfg ladle.AdminConfig, scripts Scripts, cache Cache, metrics http.Handler, log *zap.Logger) (*Server, error) {
	auth, err := newVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}

	var limiter *ratelimit.RateLimit
	if cfg.RateLimit.Limit > 0 {
		limiter = ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	h := &handlers{scripts: scripts, cache: cache, log: log}

	r := chi.NewRouter()
	r.Use(requestID, middleware.Recoverer)

	r.Get("/healthz", h.health)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(rateLimited(limiter, log))
		}

		if auth != nil {
			r.Use(authenticated(auth, log))
		}

		if cfg.Timeout > 0 {
			r.Use(middleware.Timeout(cfg.Timeout))
		}

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", h.listScripts)
			r.Post("/reload", h.reload)
			r.Get("/{name}", h.getScript)
			r.Post("/{name}/enable", h.switchScript(true))
			r.Post("/{name}/disable", h.switchScript(false))
			r.Post("/{name}/order/{order}", h.orderScript)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/", h.listCache)
			r.Delete("/", h.flushCache)
			r.Delete("/{key}", h.deleteCache)
		})
	})

	return &Server{
		log:     log,
		limiter: limiter,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: cfg.Timeout,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
		},
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until Stop. It returns nil after a graceful stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.http.Addr, err)
	}

	if s.limiter != nil {
		s.limiter.Start()
	}

	s.log.Info("admin api listening", zap.String("addr", ln.Addr().String()))

	if err = s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second) //nolint:mnd // shutdown grace
	defer cancel()

	return s.http.Shutdown(ctx)
}
