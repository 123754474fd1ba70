// Package server exposes the recovery service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fahmaliyi/keyvault/clock"
	"github.com/fahmaliyi/keyvault/document"
	"github.com/fahmaliyi/keyvault/recovery"
)

const (
	DefaultMaxBodyBytes   = 64 << 10
	DefaultRequestTimeout = 30 * time.Second
	DefaultPerMinute      = 20
	DefaultBurst          = 10
)

// Recovery is the service behind the API.
type Recovery interface {
	Register(ctx context.Context, subjectID string, attrs document.Attributes, recoveryKey []byte) error
	Verify(ctx context.Context, subjectID string, attrs document.Attributes) error
}

type Server struct {
	svc          Recovery
	logger       zerolog.Logger
	clock        clock.Clock
	maxBodyBytes int64
	timeout      time.Duration
	perMinute    int
	burst        int
	trusted      []netip.Prefix
	policy       recovery.Policy
	limiter      *ipLimiter
	unknown      *unknownAttempts
	router       chi.Router
}

type Option func(*Server)

func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.logger = l } }

func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

func WithMaxBodyBytes(n int64) Option { return func(s *Server) { s.maxBodyBytes = n } }

func WithRequestTimeout(d time.Duration) Option { return func(s *Server) { s.timeout = d } }

// WithRateLimit sets the per-IP request rate across both recovery routes.
func WithRateLimit(perMinute, burst int) Option {
	return func(s *Server) {
		s.perMinute = perMinute
		s.burst = burst
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header is
// believed when keying the rate limiter.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(s *Server) { s.trusted = append(s.trusted, prefixes...) }
}

// WithPolicy must match the service's attempt policy; it drives the
// answers given for unregistered subjects.
func WithPolicy(p recovery.Policy) Option { return func(s *Server) { s.policy = p } }

func New(svc Recovery, opts ...Option) *Server {
	s := &Server{
		svc:          svc,
		logger:       zerolog.Nop(),
		clock:        clock.Real(),
		maxBodyBytes: DefaultMaxBodyBytes,
		timeout:      DefaultRequestTimeout,
		perMinute:    DefaultPerMinute,
		burst:        DefaultBurst,
		policy:       recovery.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = newIPLimiter(rate.Limit(float64(s.perMinute)/60), s.burst, time.Hour, s.clock, s.trusted)
	s.unknown = newUnknownAttempts(s.policy, s.clock)
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api/recovery", func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Use(s.limitBody)
		r.Post("/register", s.handleRegister)
		r.Post("/verify", s.handleVerify)
	})
	s.router = r
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.clock.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", s.clock.Now().Sub(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
