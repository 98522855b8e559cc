// Package server accepts ICAP connections and feeds them to a fixed pool of workers.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/starwalkn/ladle"
	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/metric"
)

const bufferSize = 32 * 1024

type Server struct {
	cfg     ladle.ICAPConfig
	handler icap.Handler
	istag   func() string
	log     *zap.Logger
	metrics metric.Metrics

	backlog chan net.Conn

	mu     sync.Mutex
	active map[net.Conn]struct{}
}

// New creates a server answering with handler. istag is asked for the current ISTag on
// every response.
func New(cfg ladle.ICAPConfig, handler icap.Handler, istag func() string, log *zap.Logger, metrics metric.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		istag:   istag,
		log:     log,
		metrics: metrics,
		backlog: make(chan net.Conn, cfg.Backlog),
		active:  make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", s.cfg.Addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. A connection arriving while every
// worker is busy and the backlog is full is answered with 503 and closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	for range s.cfg.Workers {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		_ = ln.Close()
		s.interrupt()

		return nil
	})

	g.Go(func() error {
		defer close(s.backlog)

		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}

				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}

				return fmt.Errorf("accept: %w", err)
			}

			select {
			case s.backlog <- conn:
			default:
				s.reject(conn)
			}
		}
	})

	s.log.Info("icap server listening", zap.String("addr", ln.Addr().String()), zap.Int("workers", s.cfg.Workers))

	return g.Wait()
}

func (s *Server) work(ctx context.Context) {
	for conn := range s.backlog {
		if ctx.Err() != nil {
			_ = conn.Close()
			continue
		}

		s.serveConn(ctx, conn)
	}
}

func (s *Server) reject(conn net.Conn) {
	defer conn.Close()

	s.metrics.IncFailedRequestsTotal(metric.FailReasonOverloaded)
	s.log.Warn("backlog full, rejecting connection", zap.String("remote", conn.RemoteAddr().String()))

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	bw := bufio.NewWriter(conn)
	rw := icap.NewResponseWriter(bw, s.istag(), s.cfg.ServerName, false)

	if err := rw.WriteError(icap.StatusServiceOverloaded); err == nil {
		_ = bw.Flush()
	}
}

// serveConn handles the requests of one connection until the client or the server
// closes it.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	id := uuid.NewString()
	log := s.log.With(zap.String("conn_id", id), zap.String("remote", conn.RemoteAddr().String()))
	ctx = icap.WithConnID(ctx, id)

	br := bufio.NewReaderSize(conn, bufferSize)
	bw := bufio.NewWriterSize(conn, bufferSize)

	for first := true; ; first = false {
		if ctx.Err() != nil {
			return
		}

		wait := s.cfg.ReadTimeout
		if !first && s.cfg.IdleTimeout > 0 {
			wait = s.cfg.IdleTimeout
		}

		s.deadline(conn.SetReadDeadline, wait)

		req, err := icap.ReadRequest(br)
		if err != nil {
			s.readFailed(conn, bw, log, err)
			return
		}

		s.deadline(conn.SetReadDeadline, s.cfg.ReadTimeout)
		s.deadline(conn.SetWriteDeadline, s.cfg.WriteTimeout)

		rw := icap.NewResponseWriter(bw, s.istag(), s.cfg.ServerName, req.KeepAlive())
		req.SetContinue(rw.WriteContinue)

		s.handler.ServeICAP(ctx, rw, req)

		if !rw.Written() {
			rw.CloseAfter()
			_ = rw.WriteError(icap.StatusServerError)
		}

		if err = bw.Flush(); err != nil {
			log.Debug("cannot flush response", zap.Error(err))
			return
		}

		if !rw.KeepAlive() {
			return
		}

		if err = req.Discard(); err != nil {
			log.Debug("cannot drain request body", zap.Error(err))
			return
		}
	}
}

func (s *Server) readFailed(conn net.Conn, bw *bufio.Writer, log *zap.Logger, err error) {
	var ne net.Error

	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case errors.As(err, &ne) && ne.Timeout():
		log.Debug("connection idle, closing")
		return
	}

	status := icap.StatusFor(err)
	reason := metric.FailReasonMalformed

	if errors.Is(err, icap.ErrTruncated) {
		reason = metric.FailReasonTruncated
	}

	s.metrics.IncFailedRequestsTotal(reason)
	log.Warn("cannot read request", zap.Int("status", status), zap.Error(err))

	s.deadline(conn.SetWriteDeadline, s.cfg.WriteTimeout)

	rw := icap.NewResponseWriter(bw, s.istag(), s.cfg.ServerName, false)
	if werr := rw.WriteError(status); werr == nil {
		_ = bw.Flush()
	}
}

func (s *Server) deadline(set func(time.Time) error, d time.Duration) {
	if d <= 0 {
		_ = set(time.Time{})
		return
	}

	_ = set(time.Now().Add(d))
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		s.active[conn] = struct{}{}
	} else {
		delete(s.active, conn)
	}
}

// interrupt wakes connections blocked in a read so that workers see the shutdown.
func (s *Server) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.active {
		_ = conn.SetReadDeadline(time.Now())
	}
}
