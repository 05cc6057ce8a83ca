// Package session ties a browser connection to a pooled agent client, a
// workspace and a question service for the lifetime of one session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/index"
	"github.com/ashureev/deskmate/internal/pool"
	"github.com/ashureev/deskmate/internal/question"
	"github.com/ashureev/deskmate/internal/workspace"
)

var (
	// ErrTurnInProgress is returned when a session is already running a turn.
	ErrTurnInProgress = errors.New("turn already in progress")
	// ErrNoActiveTurn is returned by Interrupt when nothing is running.
	ErrNoActiveTurn = errors.New("no active turn")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotActive is returned when no live session has the id.
	ErrSessionNotActive = errors.New("session not active")
	// ErrQuestionNotFound is returned when an answer matches no pending question.
	ErrQuestionNotFound = errors.New("question not pending")
	// ErrEmptyPrompt is returned for blank user messages.
	ErrEmptyPrompt = errors.New("empty prompt")
)

// Leaser hands out pool leases. *pool.Pool implements it.
type Leaser interface {
	Acquire(ctx context.Context, callerID string) (*pool.Lease, error)
}

// Config tunes sessions opened by a Coordinator.
type Config struct {
	QuestionTimeout time.Duration
	Escalation      agent.EscalationConfig
	// CallTimeout bounds interrupt, question replies and close.
	CallTimeout time.Duration
}

const defaultCallTimeout = 10 * time.Second

// Coordinator opens and tracks live sessions.
type Coordinator struct {
	pool       Leaser
	workspaces *workspace.Manager
	index      *index.Index
	cfg        Config
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*Session
}

// NewCoordinator creates a coordinator.
func NewCoordinator(p Leaser, ws *workspace.Manager, ix *index.Index, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Coordinator{
		pool:       p,
		workspaces: ws,
		index:      ix,
		cfg:        cfg,
		logger:     logger.With("component", "session"),
		active:     make(map[string]*Session),
	}
}

// Open starts a session: it leases a client, opens or creates the
// workspace and binds a question service to out. A live session with the
// same id is closed first.
func (c *Coordinator) Open(ctx context.Context, sessionID string, out Outbound) (*Session, error) {
	if !domain.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %q", workspace.ErrInvalidSessionID, sessionID)
	}

	c.mu.Lock()
	prev := c.active[sessionID]
	delete(c.active, sessionID)
	c.mu.Unlock()
	if prev != nil {
		c.logger.Info("Replacing live session", "session_id", sessionID)
		_ = prev.Close(ctx)
	}

	lease, err := c.pool.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ws, created, err := c.workspaces.Open(sessionID)
	if err != nil {
		lease.Release()
		return nil, err
	}

	logger := c.logger.With("session_id", sessionID, "entry_id", lease.ID())
	s := &Session{
		id:         sessionID,
		coord:      c,
		lease:      lease,
		ws:         ws,
		out:        out,
		questions:  question.NewService(questionSender(sessionID, out), c.cfg.QuestionTimeout, logger),
		escalation: agent.NewEscalationTracker(c.cfg.Escalation),
		logger:     logger,
	}
	s.touch()
	if model := s.escalation.Model(); model != "" {
		lease.SetModel(model)
	}
	c.index.Update(ctx, ws.Stats())

	c.mu.Lock()
	displaced := c.active[sessionID]
	c.active[sessionID] = s
	c.mu.Unlock()
	if displaced != nil {
		_ = displaced.Close(ctx)
	}

	logger.Info("Session opened", "created", created)
	return s, nil
}

// Get returns the live session for sessionID.
func (c *Coordinator) Get(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[sessionID]
	return s, ok
}

// ActiveCount returns the number of live sessions.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// SubmitAnswer delivers answers to a pending question of a live session.
func (c *Coordinator) SubmitAnswer(sessionID, questionID string, answers question.Answers) error {
	s, ok := c.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	if !s.SubmitAnswer(questionID, answers) {
		return fmt.Errorf("%w: %s", ErrQuestionNotFound, questionID)
	}
	return nil
}

// PendingQuestions lists the unanswered questions of a live session.
func (c *Coordinator) PendingQuestions(sessionID string) ([]question.Payload, error) {
	s, ok := c.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	return s.questions.Pending(), nil
}

// CloseAll closes every live session.
func (c *Coordinator) CloseAll(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.active))
	for _, s := range c.active {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close(ctx)
		}()
	}
	wg.Wait()
}

// forget unregisters s. The cached workspace is dropped too unless another
// live session has taken it over.
func (c *Coordinator) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[s.id] == s {
		delete(c.active, s.id)
	}
	if _, live := c.active[s.id]; !live {
		c.workspaces.Forget(s.id)
	}
}
