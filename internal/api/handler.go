// Package api provides HTTP handlers for the deskmate API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/deskmate/internal/index"
	"github.com/ashureev/deskmate/internal/pool"
	"github.com/ashureev/deskmate/internal/question"
	"github.com/ashureev/deskmate/internal/session"
	"github.com/ashureev/deskmate/internal/workspace"
)

// errBadRequest marks malformed request parameters.
var errBadRequest = errors.New("bad request")

// PoolStatser reports pool occupancy. *pool.Pool implements it.
type PoolStatser interface {
	Stats() pool.Stats
}

// Handler serves the REST surface over the session index, workspaces and
// live sessions.
type Handler struct {
	workspaces *workspace.Manager
	index      *index.Index
	coord      *session.Coordinator
	pool       PoolStatser
	logger     *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(ws *workspace.Manager, ix *index.Index, coord *session.Coordinator, p PoolStatser, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		workspaces: ws,
		index:      ix,
		coord:      coord,
		pool:       p,
		logger:     logger.With("component", "api"),
	}
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/pool", h.PoolStats)
		r.Get("/index/verify", h.VerifyIndex)
		r.Post("/index/repair", h.RepairIndex)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Get("/search", h.SearchSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Patch("/", h.UpdateSession)
				r.Delete("/", h.DeleteSession)
				r.Get("/messages", h.ListMessages)
				r.Get("/files", h.ListFiles)
				r.Put("/files", h.UploadFile)
				r.Get("/files/{ref}", h.DownloadFile)
				r.Get("/questions", h.PendingQuestions)
				r.Post("/questions/{questionID}/answer", h.AnswerQuestion)
			})
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted),
		errors.Is(err, pool.ErrPoolStopped),
		errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, pool.ErrConnectionFailure):
		return http.StatusServiceUnavailable
	case errors.Is(err, workspace.ErrNotFound),
		errors.Is(err, session.ErrSessionNotActive),
		errors.Is(err, session.ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, workspace.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, workspace.ErrInvalidFilename),
		errors.Is(err, workspace.ErrInvalidSessionID),
		errors.Is(err, workspace.ErrInvalidState),
		errors.Is(err, workspace.ErrInvalidSource),
		errors.Is(err, workspace.ErrInvalidDisplayName),
		errors.Is(err, question.ErrValidation),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, workspace.ErrRegistryLimit),
		errors.Is(err, workspace.ErrArchived),
		errors.Is(err, workspace.ErrDeleted),
		errors.Is(err, workspace.ErrExists),
		errors.Is(err, workspace.ErrAliasExhausted),
		errors.Is(err, session.ErrTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, question.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError logs server faults and writes err with its mapped status.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	Error(w, status, err.Error())
}
