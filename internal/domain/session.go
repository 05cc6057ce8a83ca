// Package domain contains core domain types shared by the workspace, index
// and session packages.
package domain

import (
	"fmt"
	"regexp"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidSessionID reports whether id is safe to use as a directory name and
// URL segment.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SessionState is the lifecycle state of a workspace.
type SessionState string

const (
	StateCreated   SessionState = "CREATED"
	StateAutoNamed SessionState = "AUTO_NAMED"
	StateFinalized SessionState = "FINALIZED"
	StateArchived  SessionState = "ARCHIVED"
)

// ParseSessionState converts a user supplied string into a SessionState.
func ParseSessionState(s string) (SessionState, error) {
	state := SessionState(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown session state %q", s)
	}
	return state, nil
}

// Valid reports whether s is one of the four lifecycle states.
func (s SessionState) Valid() bool {
	switch s {
	case StateCreated, StateAutoNamed, StateFinalized, StateArchived:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// ARCHIVED is reachable from anywhere and is terminal.
func (s SessionState) CanTransition(next SessionState) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s == StateArchived {
		return false
	}
	switch next {
	case StateArchived:
		return true
	case StateAutoNamed:
		return s == StateCreated
	case StateFinalized:
		return s == StateCreated || s == StateAutoNamed
	}
	return false
}

// SessionSummary is the denormalized per-session entry kept by the index.
type SessionSummary struct {
	SessionID    string       `json:"session_id"`
	DisplayName  string       `json:"display_name"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	MessageCount int          `json:"message_count"`
	FileCount    int          `json:"file_count"`
}
