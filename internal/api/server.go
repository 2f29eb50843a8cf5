package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/TravelDiary/internal/messaging"
	"github.com/BTreeMap/TravelDiary/internal/premium"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultRequestTimeout bounds the handling of a single request.
	DefaultRequestTimeout = 30 * time.Second

	maxBodyBytes   = 1 << 20
	apiTokenHeader = "X-API-Token"
)

// PremiumActivator grants premium subscriptions.
type PremiumActivator interface {
	Activate(ctx context.Context, userID int64, days int) (premium.Activation, error)
}

// Opts holds optional collaborators and settings for the Server.
type Opts struct {
	Addr           string
	APIToken       string // required on admin routes when set
	RequestTimeout time.Duration
	Webhook        http.HandlerFunc
	Progress       messaging.ProgressSource
	Premium        PremiumActivator
	Dispatcher     *messaging.Dispatcher
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAPIToken protects the admin routes with a shared token.
func WithAPIToken(token string) Option {
	return func(o *Opts) { o.APIToken = token }
}

// WithRequestTimeout bounds request handling.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithWebhook mounts the inbound messaging webhook.
func WithWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithProgress enables the achievements route.
func WithProgress(p messaging.ProgressSource) Option {
	return func(o *Opts) { o.Progress = p }
}

// WithPremium enables the premium activation route.
func WithPremium(p PremiumActivator) Option {
	return func(o *Opts) { o.Premium = p }
}

// WithDispatcher shares the per-user dispatcher with the chat front end so
// API and chat input for one user never interleave.
func WithDispatcher(d *messaging.Dispatcher) Option {
	return func(o *Opts) { o.Dispatcher = d }
}

// Server is the HTTP front end of the conversation engine.
type Server struct {
	opts   Opts
	engine messaging.Engine
	router chi.Router

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a Server driving engine.
func NewServer(engine messaging.Engine, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Dispatcher == nil {
		o.Dispatcher = messaging.NewDispatcher()
	}
	s := &Server{opts: o, engine: engine}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/healthz", s.healthHandler)
	if s.opts.Webhook != nil {
		r.Post("/webhooks/twilio", s.opts.Webhook)
	}

	r.Route("/v1/users/{userID}", func(r chi.Router) {
		r.Post("/conversation", s.startConversationHandler)
		r.Post("/conversation/input", s.submitInputHandler)
		r.Delete("/conversation", s.cancelConversationHandler)
		r.Get("/achievements", s.achievementsHandler)
		r.With(s.requireToken).Post("/premium", s.activatePremiumHandler)
	})
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.opts.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	slog.Info("Server Start listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server Start failed", "error", err, "addr", s.opts.Addr)
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("Server Shutdown requested")
	return srv.Shutdown(ctx)
}
