// Package api provides the HTTP API server for Serenity.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/serenity/serenity/internal/core"
	"github.com/serenity/serenity/internal/identity"
	"github.com/serenity/serenity/internal/ledger"
	"github.com/serenity/serenity/internal/logging"
	"github.com/serenity/serenity/internal/personalization"
	"github.com/serenity/serenity/internal/therapy"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	// Components
	engine  *personalization.Engine
	therapy *therapy.Service
	wsHub   *WebSocketHub
	audit   *ledger.Store
	purges  *ledger.Recorder
	ids     *identity.Deriver

	gatherer prometheus.Gatherer
	started  time.Time
}

// Config for the server
type Config struct {
	Host    string
	Port    int
	Engine  *personalization.Engine
	Therapy *therapy.Service

	// Hub receives oversight events; a new one is created when nil
	Hub *WebSocketHub

	// Audit enables the audit routes; IDs derives the secure identifiers
	// they are keyed by
	Audit *ledger.Store
	IDs   *identity.Deriver

	// Gatherer backs /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
}

// New creates a new API server
func New(cfg Config) *Server {
	s := &Server{
		engine:   cfg.Engine,
		therapy:  cfg.Therapy,
		wsHub:    cfg.Hub,
		audit:    cfg.Audit,
		ids:      cfg.IDs,
		gatherer: cfg.Gatherer,
		started:  time.Now(),
	}
	if s.wsHub == nil {
		s.wsHub = NewWebSocketHub()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.ids == nil {
		s.ids = identity.Default()
	}
	if s.audit != nil {
		s.purges = ledger.NewRecorder(s.audit, ledger.ActorAPI)
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second, // chat turns wait on the model
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRouter configures all routes
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// WebSocket connections outlive any request timeout
	r.Get("/ws", s.wsHub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(70 * time.Second))

		r.Route("/profiles/{userID}", func(r chi.Router) {
			r.Get("/", s.handleGetProfile)
			r.Delete("/", s.handleDeleteProfile)
			r.Get("/context", s.handleGetContext)

			r.Patch("/demographics", s.handleUpdateDemographics)
			r.Patch("/preferences", s.handleUpdatePreferences)
			r.Patch("/communication-style", s.handleUpdateCommunicationStyle)

			r.Post("/goals", s.handleAddGoal)
			r.Put("/goals/{goal}", s.handleSetGoalStatus)
			r.Post("/moods", s.handleAddMood)
			r.Post("/triggers", s.handleAddTrigger)
			r.Post("/coping-strategies", s.handleAddCopingStrategy)
			r.Put("/topics/{topic}", s.handleSetTopicInterest)
			r.Put("/approaches/{approach}", s.handleSetTherapyApproach)

			r.Put("/permissions", s.handleUpdatePermissions)
			r.Post("/consent", s.handleConsent)
			r.Post("/interactions", s.handleInteraction)
			r.Post("/session-end", s.handleProfileSessionEnd)

			if s.audit != nil {
				r.Get("/audit", s.handleProfileAudit)
			}
		})

		if s.audit != nil {
			r.Get("/audit/verify", s.handleVerifyAudit)
		}

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleStartSession)
			r.Post("/{sessionID}/messages", s.handleChat)
			r.Get("/{sessionID}/messages", s.handleTranscript)
			r.Post("/{sessionID}/end", s.handleEndSession)
		})

		r.Route("/checkins", func(r chi.Router) {
			r.Get("/", s.handleListCheckIns)
			r.Post("/", s.handleRecordCheckIn)
			r.Get("/today", s.handleTodayCheckIn)
			r.Get("/stats/mood", s.handleMoodStats)
		})

		r.Route("/health-data", func(r chi.Router) {
			r.Get("/", s.handleListHealthData)
			r.Post("/", s.handleRecordHealthData)
			r.Get("/types", s.handleHealthDataTypes)
			r.Get("/sources", s.handleHealthDataSources)
			r.Get("/{recordID}", s.handleGetHealthData)
			r.Put("/{recordID}", s.handleUpdateHealthData)
			r.Delete("/{recordID}", s.handleDeleteHealthData)
		})
	})

	s.router = r
}

// Handler returns the server's router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the oversight event hub
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Start starts the HTTP server. It returns nil once Stop has been called.
func (s *Server) Start() error {
	// Start WebSocket hub
	go s.wsHub.Run()

	logging.Info("API server starting on http://%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.Close()
	return s.httpServer.Shutdown(ctx)
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors onto HTTP statuses
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.WithField("request", middleware.GetReqID(r.Context())).Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
	s.respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput),
		errors.Is(err, core.ErrMissingRequired),
		errors.Is(err, core.ErrInvalidRating),
		errors.Is(err, core.ErrInvalidRetention):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrSessionNotFound),
		errors.Is(err, core.ErrProfileNotFound),
		errors.Is(err, core.ErrRecordNotFound),
		errors.Is(err, core.ErrCheckInMissing),
		errors.Is(err, core.ErrHealthRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSessionNotActive),
		errors.Is(err, core.ErrDataDirLocked):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v, answering 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", core.ErrInvalidInput, key)
	}
	return n, nil
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.started).Seconds()),
		"cached_profiles": s.engine.Cached(),
		"ws_clients":      s.wsHub.Clients(),
	})
}
