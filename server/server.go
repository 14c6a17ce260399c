// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"parkwatch/pkg/parking"
	"parkwatch/token"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Store is the job persistence used by the HTTP surface.
type Store interface {
	GetJob(ctx context.Context, id string) (*parking.MonitoringJob, error)
	SaveJob(ctx context.Context, job *parking.MonitoringJob) error
	SetJobStatus(ctx context.Context, id string, status parking.JobStatus) error
	DeleteJob(ctx context.Context, id string) error
	GetDateState(ctx context.Context, jobID string, d parking.Date) (parking.DateState, error)
	ListDateStates(ctx context.Context, jobID string) ([]parking.DateState, error)
	CompareAndSetDateState(ctx context.Context, jobID string, d parking.Date, expectedVersion int64, next parking.DateState) error
}

// Profiles lists the enabled resorts.
type Profiles interface {
	Get(name string) (parking.ResortProfile, bool)
	All() []parking.ResortProfile
}

// Tokens verifies resume tokens.
type Tokens interface {
	Parse(tok string) (token.Claims, error)
}

// Emailer sends job confirmations.
type Emailer interface {
	SendWelcome(ctx context.Context, job *parking.MonitoringJob) error
}

// Dispatcher triggers a scheduling pass.
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// Server handles HTTP requests.
type Server struct {
	store      Store
	profiles   Profiles
	tokens     Tokens
	emailer    Emailer
	dispatcher Dispatcher
	events     http.Handler
	status     func() any
	logger     *slog.Logger
	limiter    *ipLimiter
	now        func() time.Time
	baseURL    string
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Profiles   Profiles
	Tokens     Tokens
	Emailer    Emailer
	Dispatcher Dispatcher
	Events     http.Handler // websocket feed; optional
	Status     func() any   // daemon status snapshot
	Logger     *slog.Logger
	BaseURL    string
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:      cfg.Store,
		profiles:   cfg.Profiles,
		tokens:     cfg.Tokens,
		emailer:    cfg.Emailer,
		dispatcher: cfg.Dispatcher,
		events:     cfg.Events,
		status:     cfg.Status,
		logger:     cfg.Logger,
		limiter:    newIPLimiter(),
		now:        time.Now,
		baseURL:    cfg.BaseURL,
	}
}

// Handler returns the router with every route registered.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(securityHeaders)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/pollz", s.handlePoll).Methods(http.MethodPost)
	r.HandleFunc("/resume", s.handleResumeForm).Methods(http.MethodGet)
	r.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleJobForm).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods(http.MethodPost)
	if s.events != nil {
		r.Handle("/events", s.events).Methods(http.MethodGet)
	}
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("Failed to render template", "template", name, "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write JSON response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "index.tmpl", map[string]any{
		"Resorts": s.profiles.All(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "unknown"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	n, err := s.dispatcher.Dispatch(r.Context())
	if err != nil {
		s.logger.Error("Dispatch failed", "error", err)
		http.Error(w, "Dispatch failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "dispatched", "queued": n})
}
