package question

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deskmate/internal/shared"
	"github.com/google/uuid"
)

var (
	// ErrValidation is returned for malformed question sets.
	ErrValidation = errors.New("invalid question")
	// ErrTimeout is returned when no answer arrives in time.
	ErrTimeout = errors.New("no answer received")
	// ErrCancelled is returned when the question is withdrawn or the
	// outbound channel is gone.
	ErrCancelled = errors.New("question cancelled")
)

// PayloadType is the frame type of outbound question payloads.
const PayloadType = "question"

// DefaultTimeout applies when neither the caller nor the service sets one.
const DefaultTimeout = 5 * time.Minute

// Sender delivers question payloads to the user.
type Sender interface {
	SendQuestion(ctx context.Context, payload Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, payload Payload) error

// SendQuestion calls f.
func (f SenderFunc) SendQuestion(ctx context.Context, payload Payload) error {
	return f(ctx, payload)
}

type pendingQuestion struct {
	payload   Payload
	signal    *shared.Oneshot[Answers]
	createdAt time.Time
}

// Service tracks the questions of one session. Each session owns its own
// Service bound to its own outbound channel.
type Service struct {
	mu      sync.Mutex
	pending map[string]*pendingQuestion
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a question service that sends through sender.
func NewService(sender Sender, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		pending: make(map[string]*pendingQuestion),
		sender:  sender,
		timeout: timeout,
		logger:  logger.With("component", "question"),
	}
}

// Ask sends questions to the user and blocks until they are answered, the
// timeout elapses, the question is cancelled or ctx ends. A zero timeout uses
// the service default.
func (s *Service) Ask(ctx context.Context, questions []Question, timeout time.Duration) (Answers, error) {
	if err := Validate(questions); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	p := &pendingQuestion{
		payload: Payload{
			Type:      PayloadType,
			ID:        uuid.NewString(),
			Questions: questions,
		},
		signal:    shared.NewOneshot[Answers](),
		createdAt: time.Now(),
	}
	id := p.payload.ID

	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()
	defer s.remove(id)

	if err := s.sender.SendQuestion(ctx, p.payload); err != nil {
		p.signal.Reject(ErrCancelled)
		return nil, fmt.Errorf("%w: send question %s: %w", ErrCancelled, id, err)
	}
	s.logger.Info("Question sent", "question_id", id, "count", len(questions), "timeout", timeout)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	answers, err := p.signal.Wait(waitCtx)
	if err == nil {
		s.logger.Info("Question answered", "question_id", id, "elapsed", time.Since(p.createdAt))
		return answers, nil
	}
	if waitCtx.Err() == nil {
		// Rejected by Cancel or CancelAll.
		s.logger.Info("Question cancelled", "question_id", id, "error", err)
		return nil, err
	}

	outcome := fmt.Errorf("%w: question %s after %s", ErrTimeout, id, timeout)
	if ctx.Err() != nil {
		outcome = fmt.Errorf("%w: question %s: %w", ErrCancelled, id, ctx.Err())
	}
	if !p.signal.Reject(outcome) {
		// An answer raced the deadline and won.
		return p.signal.Wait(context.Background())
	}
	s.logger.Warn("Question not answered", "question_id", id, "error", outcome)
	return nil, outcome
}

// SubmitAnswer resolves a pending question. Unknown ids (already resolved,
// expired or never issued) are ignored; the return value reports whether the
// answer was delivered.
func (s *Service) SubmitAnswer(questionID string, answers Answers) bool {
	p := s.lookup(questionID)
	if p == nil {
		s.logger.Debug("Ignoring answer for unknown question", "question_id", questionID)
		return false
	}
	if answers == nil {
		answers = Answers{}
	}
	return p.signal.Resolve(answers)
}

// Cancel resolves one pending question with an error.
func (s *Service) Cancel(questionID string, cause error) bool {
	p := s.lookup(questionID)
	if p == nil {
		return false
	}
	return p.signal.Reject(cancelError(cause))
}

// CancelAll resolves every pending question with an error. It must be called
// when the outbound channel closes so no Ask outlives its connection.
func (s *Service) CancelAll(cause error) int {
	s.mu.Lock()
	all := make([]*pendingQuestion, 0, len(s.pending))
	for _, p := range s.pending {
		all = append(all, p)
	}
	s.mu.Unlock()

	err := cancelError(cause)
	n := 0
	for _, p := range all {
		if p.signal.Reject(err) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("Cancelled pending questions", "count", n, "error", err)
	}
	return n
}

// Pending returns the payloads of questions still waiting for an answer.
func (s *Service) Pending() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Payload, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.payload)
	}
	return out
}

func (s *Service) lookup(id string) *pendingQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

func (s *Service) remove(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func cancelError(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
