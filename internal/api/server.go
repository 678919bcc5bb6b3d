package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/groupmonitor/internal/metrics"
	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

const maxIntakeBytes = 4 << 20

// Config controls the HTTP surface.
type Config struct {
	// APIKey guards the /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the group store.
type Server struct {
	router chi.Router
	store  monitor.GroupStore
	clock  monitor.Clock
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store monitor.GroupStore, clock monitor.Clock, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{store: store, clock: clock, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Post("/pending", s.addPending)
		r.Get("/groups", s.listGroups)
		r.Get("/groups/{username}", s.getGroup)
		r.Get("/topics/{name}", s.getTopic)
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// metrics refreshes the per-state gauge before serving the registry.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if counts, err := s.store.CountByState(r.Context()); err == nil {
		metrics.SetGroupsByState(stateCounts(counts))
	} else {
		s.logger.Warn("count groups by state failed", zap.Error(err))
	}
	metrics.Handler().ServeHTTP(w, r)
}

type intakeResponse struct {
	Added   int      `json:"added"`
	Skipped []string `json:"skipped"`
}

func (s *Server) addPending(w http.ResponseWriter, r *http.Request) {
	var candidates []monitor.Candidate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntakeBytes))
	if err := dec.Decode(&candidates); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of candidates")
		return
	}
	for i := range candidates {
		candidates[i].Username = strings.TrimPrefix(strings.TrimSpace(candidates[i].Username), "@")
		if err := candidates[i].Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	now := s.clock.Now()
	resp := intakeResponse{Skipped: []string{}}
	for _, c := range candidates {
		if c.GatheredAt.IsZero() {
			c.GatheredAt = now
		}
		added, err := s.store.AddPending(r.Context(), c)
		if err != nil {
			s.logger.Error("add pending failed", zap.String("username", c.Username), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to queue candidates")
			return
		}
		metrics.ObserveCandidate("api", added)
		if added {
			resp.Added++
		} else {
			resp.Skipped = append(resp.Skipped, c.Username)
		}
	}
	status := http.StatusOK
	if resp.Added > 0 {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	filter := monitor.GroupFilter{Topic: r.URL.Query().Get("topic")}
	for _, raw := range r.URL.Query()["state"] {
		st := monitor.State(raw)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state "+raw)
			return
		}
		filter.States = append(filter.States, st)
	}
	groups, err := s.store.ListGroups(r.Context(), filter)
	if err != nil {
		s.logger.Error("list groups failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGroup(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		s.notFoundOr500(w, err, "group")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) getTopic(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTopic(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.notFoundOr500(w, err, "topic")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type statsResponse struct {
	Pending int            `json:"pending"`
	Groups  map[string]int `json:"groups"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.PendingCount(r.Context())
	if err != nil {
		s.logger.Error("pending count failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.logger.Error("count by state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Pending: pending, Groups: stateCounts(counts)})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, monitor.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("lookup failed", zap.String("what", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "lookup failed")
}

func stateCounts(in map[monitor.State]int) map[string]int {
	out := make(map[string]int, len(in))
	for st, n := range in {
		out[string(st)] = n
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
