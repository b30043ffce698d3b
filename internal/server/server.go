package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamcast/internal/models"
	"streamcast/internal/observability/logging"
	"streamcast/internal/storage"
	"streamcast/internal/supervisor"
)

// Orchestrator is the slice of the process supervisor the HTTP surface needs.
type Orchestrator interface {
	Start(ctx context.Context, streamID, instanceID string) (models.Stream, error)
	Stop(ctx context.Context, streamID string) error
	IsActive(streamID string) bool
	ActiveStreams() []string
	Logs(streamID string, n int) []string
}

// ScheduleView exposes the read side of the recurrence engine.
type ScheduleView interface {
	Upcoming(userID string, limit int) []models.ScheduledInstance
	History(userID string, limit int) []models.ScheduledInstance
	Statistics(userID string) storage.InstanceCounts
}

// Config assembles the dependencies of the operational HTTP server.
type Config struct {
	Repo       storage.Repository
	Supervisor Orchestrator
	Schedules  ScheduleView
	Logger     *slog.Logger
	Security   SecurityConfig
}

// Server exposes health, status, and broadcast control endpoints.
type Server struct {
	repo       storage.Repository
	supervisor Orchestrator
	schedules  ScheduleView
	logger     *slog.Logger
	security   SecurityConfig
}

func New(cfg Config) (*Server, error) {
	if cfg.Repo == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	s := &Server{
		repo:       cfg.Repo,
		supervisor: cfg.Supervisor,
		schedules:  cfg.Schedules,
		logger:     cfg.Logger,
		security:   cfg.Security,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Handler returns the full route tree behind the shared middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/streams", s.handleStreams)
	mux.HandleFunc("/api/streams/", s.handleStreamByID)
	mux.HandleFunc("/api/schedule/upcoming", s.handleUpcoming)
	mux.HandleFunc("/api/schedule/history", s.handleScheduleHistory)
	mux.HandleFunc("/api/schedule/statistics", s.handleStatistics)

	handler := logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(mux)
	handler = securityHeadersMiddleware(s.security, handler)
	return requestIDMiddleware(s.logger, handler)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.repo.Ping(ctx); err != nil {
		if logger := loggingWithRequest(s.logger, r); logger != nil {
			logger.Error("health check failed", "error", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	ActiveBroadcasts int                    `json:"activeBroadcasts"`
	ActiveStreamIDs  []string               `json:"activeStreamIds"`
	ScheduledStreams int                    `json:"scheduledStreams"`
	Instances        storage.InstanceCounts `json:"instances"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	active := s.supervisor.ActiveStreams()
	resp := statusResponse{
		ActiveBroadcasts: len(active),
		ActiveStreamIDs:  active,
		ScheduledStreams: len(s.repo.ListStreamsByStatus(models.StreamScheduled)),
		Instances:        s.repo.InstanceCountsForUser(""),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := models.StreamStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	writeJSON(w, http.StatusOK, s.repo.ListStreams(userID, status))
}

// handleStreamByID routes /api/streams/{id}, /api/streams/{id}/start,
// /api/streams/{id}/stop, and /api/streams/{id}/logs.
func (s *Server) handleStreamByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/streams/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		stream, ok := s.repo.GetStream(id)
		if !ok {
			writeError(w, http.StatusNotFound, "stream not found")
			return
		}
		writeJSON(w, http.StatusOK, stream)
	case "start":
		s.handleStart(w, r, id)
	case "stop":
		s.handleStop(w, r, id)
	case "logs":
		s.handleLogs(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stream, err := s.supervisor.Start(r.Context(), id, "")
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, stream)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "stream not found")
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "stream is already broadcasting")
	case errors.Is(err, supervisor.ErrMissingSource):
		writeError(w, http.StatusUnprocessableEntity, "stream has no media source")
	default:
		if logger := loggingWithRequest(s.logger, r); logger != nil {
			logger.Error("start broadcast", "stream", id, "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to start broadcast")
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.supervisor.Stop(r.Context(), id); err != nil {
		if logger := loggingWithRequest(s.logger, r); logger != nil {
			logger.Error("stop broadcast", "stream", id, "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to stop broadcast")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.supervisor.IsActive(id) {
		writeError(w, http.StatusNotFound, "stream has no active broadcast")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streamId": id,
		"lines":    s.supervisor.Logs(id, queryLimit(r, 100)),
	})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	s.handleScheduleList(w, r, func(userID string, limit int) []models.ScheduledInstance {
		return s.schedules.Upcoming(userID, limit)
	})
}

func (s *Server) handleScheduleHistory(w http.ResponseWriter, r *http.Request) {
	s.handleScheduleList(w, r, func(userID string, limit int) []models.ScheduledInstance {
		return s.schedules.History(userID, limit)
	})
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request, list func(string, int) []models.ScheduledInstance) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, "scheduling is disabled")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	writeJSON(w, http.StatusOK, list(userID, queryLimit(r, 50)))
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, "scheduling is disabled")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	writeJSON(w, http.StatusOK, s.schedules.Statistics(userID))
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "message": message})
}
