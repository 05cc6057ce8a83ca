package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/index"
	"github.com/ashureev/deskmate/internal/question"
	"github.com/ashureev/deskmate/internal/workspace"
)

const defaultSearchLimit = 20

// sessionDetail is the single-session view.
type sessionDetail struct {
	domain.SessionSummary
	Active           bool                  `json:"active"`
	EscalationLevel  int                   `json:"escalation_level,omitempty"`
	Files            []workspace.FileEntry `json:"files"`
	PendingQuestions []question.Payload    `json:"pending_questions,omitempty"`
}

// updateSessionRequest is the PATCH body. Absent fields are left alone.
type updateSessionRequest struct {
	DisplayName *string `json:"display_name"`
	State       *string `json:"state"`
}

// ListSessions returns a page of the session index.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, h.index.List(opts))
}

func listOptions(r *http.Request) (index.ListOptions, error) {
	q := r.URL.Query()
	var opts index.ListOptions
	var err error

	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		return opts, err
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		return opts, err
	}
	if opts.SortBy, err = index.ParseSortField(q.Get("sort")); err != nil {
		return opts, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if d := q.Get("desc"); d != "" {
		if opts.Desc, err = strconv.ParseBool(d); err != nil {
			return opts, fmt.Errorf("%w: desc must be a boolean", errBadRequest)
		}
	}
	if s := q.Get("state"); s != "" {
		if opts.State, err = domain.ParseSessionState(strings.ToUpper(s)); err != nil {
			return opts, fmt.Errorf("%w: %w", errBadRequest, err)
		}
	}
	return opts, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", errBadRequest, v)
	}
	return n, nil
}

// SearchSessions matches display names, most recent first.
func (h *Handler) SearchSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if limit == 0 {
		limit = defaultSearchLimit
	}
	results := h.index.Search(r.URL.Query().Get("q"), limit)
	if results == nil {
		results = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": results})
}

// GetSession returns one session with its files and live state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.loadWorkspace(w, r)
	if !ok {
		return
	}
	detail := sessionDetail{
		SessionSummary: ws.Stats(),
		Files:          ws.Files(),
	}
	if detail.Files == nil {
		detail.Files = []workspace.FileEntry{}
	}
	if s, live := h.coord.Get(ws.ID()); live {
		detail.Active = true
		detail.EscalationLevel = s.EscalationLevel()
		detail.PendingQuestions, _ = h.coord.PendingQuestions(ws.ID())
	}
	JSON(w, http.StatusOK, detail)
}

// UpdateSession renames a session or moves it to another state.
func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return
	}
	if req.DisplayName == nil && req.State == nil {
		h.writeError(w, r, fmt.Errorf("%w: nothing to update", errBadRequest))
		return
	}

	var state domain.SessionState
	if req.State != nil {
		var err error
		if state, err = domain.ParseSessionState(strings.ToUpper(*req.State)); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
	}

	ws, ok := h.loadWorkspace(w, r)
	if !ok {
		return
	}
	if req.DisplayName != nil {
		if err := ws.UpdateDisplayName(*req.DisplayName); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	if req.State != nil {
		if err := ws.UpdateState(state); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	sum := ws.Stats()
	h.index.Update(r.Context(), sum)
	JSON(w, http.StatusOK, sum)
}

// DeleteSession closes a live session and removes its workspace.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !domain.ValidSessionID(sessionID) {
		h.writeError(w, r, fmt.Errorf("%w: %q", workspace.ErrInvalidSessionID, sessionID))
		return
	}

	s, live := h.coord.Get(sessionID)
	if live {
		if err := s.Close(r.Context()); err != nil {
			h.logger.Warn("Closing live session before delete failed", "session_id", sessionID, "error", err)
		}
	}

	err := h.workspaces.Delete(sessionID)
	removed := h.index.Remove(r.Context(), sessionID)
	// A live session with no messages deletes its own workspace on close.
	if errors.Is(err, workspace.ErrNotFound) && (live || removed) {
		err = nil
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages returns the message history.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.loadWorkspace(w, r)
	if !ok {
		return
	}
	msgs, err := ws.Messages()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.StoredMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// PendingQuestions lists unanswered questions of a live session.
func (h *Handler) PendingQuestions(w http.ResponseWriter, r *http.Request) {
	pending, err := h.coord.PendingQuestions(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"questions": pending})
}

// AnswerQuestion resolves a pending question of a live session.
func (h *Handler) AnswerQuestion(w http.ResponseWriter, r *http.Request) {
	var body question.AnswerPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return
	}
	err := h.coord.SubmitAnswer(chi.URLParam(r, "sessionID"), chi.URLParam(r, "questionID"), body.Answers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadWorkspace resolves the {sessionID} path parameter, writing the error
// response itself when it fails.
func (h *Handler) loadWorkspace(w http.ResponseWriter, r *http.Request) (*workspace.Workspace, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	if !domain.ValidSessionID(sessionID) {
		h.writeError(w, r, fmt.Errorf("%w: %q", workspace.ErrInvalidSessionID, sessionID))
		return nil, false
	}
	ws, err := h.workspaces.Load(sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return ws, true
}
