package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/krishvios/signvios/internal/api/middleware"
	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/config"
	"github.com/krishvios/signvios/internal/core"
	"github.com/krishvios/signvios/internal/database"
)

// CallController is the call-control surface the HTTP handlers drive.
// *core.Core satisfies it.
type CallController interface {
	Dial(opts core.DialOptions) (uint64, error)
	HangUp(callID uint64) error
	ContinueDial(callID uint64) error
	Calls() []*call.Session
	LastDialed() string
	LeaveMessage(callID uint64) error
	SkipGreeting() error
	AddCaption(text string) error
	FinishRecording() error
	SendRecordedMessage() error
	DeleteRecordedMessage() error
	ApplyProperties(writes []core.PropertyWrite) error
	PortBackLogin(ctx context.Context, pin string) error
}

// Deps holds the collaborators the server is constructed over. Metrics is
// the handler mounted at /metrics; nil disables the endpoint.
type Deps struct {
	Controller CallController
	Config     *config.Config
	Accounts   database.AccountRepository
	History    database.CallHistoryRepository
	RingGroups database.RingGroupRepository
	Properties database.PropertyRepository
	Metrics    http.Handler
	JWTSecret  []byte
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	ctrl       CallController
	cfg        *config.Config
	accounts   database.AccountRepository
	history    database.CallHistoryRepository
	ringGroups database.RingGroupRepository
	properties database.PropertyRepository
	metrics    http.Handler
	jwtSecret  []byte
	limiter    *middleware.IPRateLimiter
	authLim    *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		ctrl:       deps.Controller,
		cfg:        deps.Config,
		accounts:   deps.Accounts,
		history:    deps.History,
		ringGroups: deps.RingGroups,
		properties: deps.Properties,
		metrics:    deps.Metrics,
		jwtSecret:  deps.JWTSecret,
		limiter:    middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLim:    middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.authLim.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(false))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Login gets the stricter auth limiter.
		r.With(middleware.RateLimit(s.authLim)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter))
			r.Use(middleware.RequireAuth(s.jwtSecret))

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/port-back", s.handlePortBack)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/active", s.handleActiveCalls)
				r.Get("/last-dialed", s.handleLastDialed)
				r.Post("/dial", s.handleDial)
				r.Route("/{id}", func(r chi.Router) {
					r.Post("/hangup", s.handleHangup)
					r.Post("/continue", s.handleContinueDial)
					r.Post("/leave-message", s.handleLeaveMessage)
				})
			})

			r.Route("/signmail", func(r chi.Router) {
				r.Post("/skip-greeting", s.handleSkipGreeting)
				r.Post("/captions", s.handleAddCaption)
				r.Post("/finish", s.handleFinishRecording)
				r.Post("/send", s.handleSendMessage)
				r.Delete("/message", s.handleDeleteMessage)
			})

			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleHistoryList)
				r.Get("/missed", s.handleHistoryMissed)
				r.Get("/stats", s.handleHistoryStats)
				r.Delete("/{id}", s.handleHistoryDelete)
			})

			r.Route("/properties", func(r chi.Router) {
				r.Get("/", s.handlePropertiesList)
				r.Put("/", s.handlePropertiesApply)
			})

			r.Route("/ring-group", func(r chi.Router) {
				r.Get("/", s.handleRingGroupList)
				r.Post("/", s.handleRingGroupAdd)
				r.Delete("/{id}", s.handleRingGroupDelete)
			})
		})
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
