// Package api exposes the HTTP surface of the USSD gateway.
//
// The telecom gateway POSTs one form-encoded request per USSD hop to /ussd
// and expects a plain-text body beginning with "CON " or "END ". Health and
// Prometheus metrics endpoints ride alongside for operations.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/mkulima/ussdgate/internal/metrics"
)

// Default server configuration constants
const (
	// DefaultAddr is the default listen address for the gateway.
	DefaultAddr = ":8080"
	// DefaultRatePerMinute caps hops per phone number per minute. A human
	// navigating a USSD menu produces nowhere near this.
	DefaultRatePerMinute = 30
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// InputHandler processes one USSD hop. Implemented by flow.Engine.
type InputHandler interface {
	HandleInput(ctx context.Context, sessionID, phoneNumber, text string) string
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	RatePerMinute int
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRatePerMinute sets the per-phone hop rate limit.
func WithRatePerMinute(n int) Option {
	return func(o *Opts) { o.RatePerMinute = n }
}

// Server hosts the gateway endpoints.
type Server struct {
	handler InputHandler
	addr    string
	rate    int
}

// NewServer creates the API server around an input handler.
func NewServer(handler InputHandler, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRatePerMinute
	}
	slog.Debug("Creating API server", "addr", cfg.Addr, "rate_per_minute", cfg.RatePerMinute)
	return &Server{handler: handler, addr: cfg.Addr, rate: cfg.RatePerMinute}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			s.rate,
			time.Minute,
			httprate.WithKeyFuncs(keyByPhoneNumber),
			httprate.WithLimitHandler(rateLimited),
		))
		r.Post("/ussd", s.handleUSSD)
	})
	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("USSD gateway listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		slog.Info("Shutting down USSD gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// keyByPhoneNumber rate-limits per subscriber rather than per source IP:
// all gateway traffic arrives from the same telecom IPs.
func keyByPhoneNumber(r *http.Request) (string, error) {
	if phone := r.FormValue("phoneNumber"); phone != "" {
		return phone, nil
	}
	return r.RemoteAddr, nil
}

// rateLimited still honors the wire contract: the over-limit subscriber
// gets a terminal USSD message, not a bare 429 body.
func rateLimited(w http.ResponseWriter, r *http.Request) {
	slog.Warn("USSD hop rate limited", "phone", r.FormValue("phoneNumber"))
	writeUSSD(w, http.StatusTooManyRequests, "END Too many requests. Please try again in a minute.")
}
