// Package agent defines the connection to the backend agent and the messages
// it streams back during a turn.
package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/ashureev/deskmate/internal/question"
)

var (
	// ErrNotConnected is returned when a call needs a live connection.
	ErrNotConnected = errors.New("agent client not connected")
	// ErrNoActiveQuery is returned by StreamResponses when Query was not called first.
	ErrNoActiveQuery = errors.New("no active query")
	// ErrUnknownMessage is returned when the backend sends a message kind this
	// client does not understand.
	ErrUnknownMessage = errors.New("unknown agent message")
)

// Client is one stateful connection to the agent backend.
//
// A Client is not safe for use by more than one turn at a time. Connect and
// Disconnect belong to whoever created the client; pooled clients are only
// ever connected and disconnected by the pool.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Query starts a turn. StreamResponses must be called afterwards to
	// consume it; the sequence is finite and cannot be restarted.
	Query(ctx context.Context, prompt, sessionID string) error
	StreamResponses(ctx context.Context) iter.Seq2[Message, error]

	Interrupt(ctx context.Context) error
	// ServerInfo returns backend metadata, or nil when the backend has none.
	ServerInfo(ctx context.Context) (map[string]any, error)
}

// HealthReporter is implemented by clients that can report liveness without
// a round trip.
type HealthReporter interface {
	Connected() bool
}

// StateResetter is implemented by clients that keep per-conversation state
// which must be cleared before the connection is reused.
type StateResetter interface {
	ResetState(ctx context.Context) error
}

// ModelSwitcher is implemented by clients that can change backend tier
// between turns.
type ModelSwitcher interface {
	SetModel(model string)
}

// QuestionResponder is implemented by clients that accept answers to a
// QuestionRequest. A non-nil cause reports that no answer is coming.
type QuestionResponder interface {
	RespondQuestion(ctx context.Context, requestID string, answers question.Answers, cause error) error
}

// Factory builds a new, not yet connected, client.
type Factory func() (Client, error)
