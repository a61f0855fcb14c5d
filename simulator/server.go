package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailsim/config"
	"github.com/synqronlabs/mailsim/policy"
)

var ErrServerClosed = errors.New("simulator: server closed")

// Server runs the SMTP listener and, optionally, the admin HTTP listener.
type Server struct {
	cfg     config.Server
	logger  *slog.Logger
	backend *Backend
	smtp    *smtp.Server
	admin   *http.Server
	closed  atomic.Bool
}

// ServerOption customizes a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	observer SessionObserver
	admin    http.Handler
}

// WithSessionObserver reports session lifecycle events, typically to
// *metrics.Metrics.
func WithSessionObserver(o SessionObserver) ServerOption {
	return func(opts *serverOptions) { opts.observer = o }
}

// WithAdminHandler serves h on cfg.AdminAddr.
func WithAdminHandler(h http.Handler) ServerOption {
	return func(opts *serverOptions) { opts.admin = h }
}

// NewServer configures a go-smtp server whose sessions are evaluated by
// orch. Zero values in cfg fall back to config.Default.
func NewServer(cfg config.Server, orch *policy.Orchestrator, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	def := config.Default().Server
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Hostname == "" {
		cfg.Hostname = def.Hostname
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	backend := NewBackend(orch, o.observer, logger)

	srv := smtp.NewServer(backend)
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Hostname
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelWarn)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		smtp:    srv,
	}
	if o.admin != nil && cfg.AdminAddr != "" {
		s.admin = &http.Server{
			Addr:              cfg.AdminAddr,
			Handler:           o.admin,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s
}

// Backend returns the session backend.
func (s *Server) Backend() *Backend {
	return s.backend
}

// Serve accepts SMTP connections on l until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("SMTP simulator started",
		slog.String("addr", l.Addr().String()),
		slog.String("hostname", s.cfg.Hostname),
	)
	err := s.smtp.Serve(l)
	if s.closed.Load() {
		return ErrServerClosed
	}
	if err == nil {
		err = errors.New("listener stopped")
	}
	return fmt.Errorf("simulator: %w", err)
}

// Run listens on the configured addresses and serves until ctx is done,
// then shuts down within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("simulator: failed to listen: %w", err)
	}
	var al net.Listener
	if s.admin != nil {
		al, err = net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			_ = l.Close()
			return fmt.Errorf("simulator: failed to listen for admin: %w", err)
		}
	}
	return s.RunListeners(ctx, l, al)
}

// RunListeners is Run over already bound listeners. adminListener may be
// nil.
func (s *Server) RunListeners(ctx context.Context, smtpListener, adminListener net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.Serve(smtpListener); !errors.Is(err, ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.admin != nil && adminListener != nil {
		g.Go(func() error {
			s.logger.Info("admin endpoint started", slog.String("addr", adminListener.Addr().String()))
			if err := s.admin.Serve(adminListener); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("simulator: admin: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})

	return g.Wait()
}

// Shutdown interrupts pending delays, sends 421 to every open session,
// closes the listeners and waits for connections to finish until ctx is
// done.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("SMTP simulator shutting down", slog.Int("sessions", s.backend.Active()))

	// Replies go out before delayed sessions wake up and answer themselves.
	s.backend.DropAll(Reply{
		Code:         421,
		EnhancedCode: "4.3.2",
		Message:      s.cfg.Hostname + " Service shutting down",
	})
	s.backend.Stop()

	var errs []error
	if err := s.smtp.Shutdown(ctx); err != nil {
		errs = append(errs, err)
		_ = s.smtp.Close()
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
