package pool

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/ashureev/deskmate/internal/question"
)

// Lease is a caller's exclusive hold on one pooled client. It forwards the
// turn-level operations and hides Connect and Disconnect.
type Lease struct {
	pool       *Pool
	entry      *entry
	generation uint64
	callerID   string
	released   atomic.Bool
}

func newLease(p *Pool, e *entry, generation uint64, callerID string) *Lease {
	return &Lease{pool: p, entry: e, generation: generation, callerID: callerID}
}

// ID identifies the underlying pool entry.
func (l *Lease) ID() string { return l.entry.id }

// CallerID returns the caller the lease was issued to.
func (l *Lease) CallerID() string { return l.callerID }

// Release returns the client to the pool.
func (l *Lease) Release() { l.pool.Release(l) }

// Query starts a turn on the leased client.
func (l *Lease) Query(ctx context.Context, prompt, sessionID string) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	return l.entry.client.Query(ctx, prompt, sessionID)
}

// StreamResponses consumes the turn started by Query.
func (l *Lease) StreamResponses(ctx context.Context) iter.Seq2[agent.Message, error] {
	if l.released.Load() {
		return func(yield func(agent.Message, error) bool) {
			yield(nil, ErrLeaseReleased)
		}
	}
	return l.entry.client.StreamResponses(ctx)
}

// Interrupt stops the current turn.
func (l *Lease) Interrupt(ctx context.Context) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	return l.entry.client.Interrupt(ctx)
}

// ServerInfo returns backend metadata.
func (l *Lease) ServerInfo(ctx context.Context) (map[string]any, error) {
	if l.released.Load() {
		return nil, ErrLeaseReleased
	}
	return l.entry.client.ServerInfo(ctx)
}

// RespondQuestion answers a QuestionRequest from the current turn.
func (l *Lease) RespondQuestion(ctx context.Context, requestID string, answers question.Answers, cause error) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	r, ok := l.entry.client.(agent.QuestionResponder)
	if !ok {
		return ErrUnsupported
	}
	return r.RespondQuestion(ctx, requestID, answers, cause)
}

// SetModel switches the backend tier and reports whether the client
// supports it.
func (l *Lease) SetModel(model string) bool {
	if l.released.Load() {
		return false
	}
	s, ok := l.entry.client.(agent.ModelSwitcher)
	if ok {
		s.SetModel(model)
	}
	return ok
}
