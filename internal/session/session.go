package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/pool"
	"github.com/ashureev/deskmate/internal/question"
	"github.com/ashureev/deskmate/internal/workspace"
)

// autoNameMessages is the message count at which a CREATED session is named.
const autoNameMessages = 2

// maxAutoNameRunes bounds derived display names.
const maxAutoNameRunes = 60

// errTurnInterrupted is relayed to the agent for questions withdrawn by an
// interrupt.
var errTurnInterrupted = errors.New("turn interrupted")

// Session is one live conversation. Turns run one at a time.
type Session struct {
	id         string
	coord      *Coordinator
	lease      *pool.Lease
	ws         *workspace.Workspace
	out        Outbound
	questions  *question.Service
	escalation *agent.EscalationTracker
	logger     *slog.Logger

	// lastActivity is a UnixNano timestamp.
	lastActivity atomic.Int64

	mu          sync.Mutex
	turnCancel  context.CancelFunc
	askCancel   context.CancelFunc
	interrupted bool
	turns       sync.WaitGroup
	closed      bool
	closeOnce   sync.Once
}

// TurnResult summarizes a finished turn.
type TurnResult struct {
	Text        string
	Result      *agent.Result
	Interrupted bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Workspace returns the session's workspace.
func (s *Session) Workspace() *workspace.Workspace { return s.ws }

// EscalationLevel returns the current model tier level.
func (s *Session) EscalationLevel() int { return s.escalation.Level() }

// RunTurn sends prompt to the agent and streams the reply to the browser.
// Questions raised by the agent are asked through the session's question
// service and their answers returned to the agent before streaming resumes.
func (s *Session) RunTurn(ctx context.Context, prompt string) (TurnResult, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return TurnResult{}, ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return TurnResult{}, ErrSessionClosed
	}
	if s.turnCancel != nil {
		s.mu.Unlock()
		return TurnResult{}, ErrTurnInProgress
	}
	turnCtx, cancel := context.WithCancel(ctx)
	askCtx, cancelAsk := context.WithCancel(turnCtx)
	s.turnCancel = cancel
	s.askCancel = cancelAsk
	s.interrupted = false
	s.turns.Add(1)
	s.mu.Unlock()
	s.touch()

	defer func() {
		s.touch()
		s.mu.Lock()
		s.turnCancel = nil
		s.askCancel = nil
		s.mu.Unlock()
		cancelAsk()
		cancel()
		s.turns.Done()
	}()

	if _, err := s.ws.SaveMessage(domain.RoleUser, prompt, time.Time{}); err != nil {
		return TurnResult{}, fmt.Errorf("save prompt: %w", err)
	}
	s.refreshIndex(ctx)

	res, err := s.stream(turnCtx, askCtx, prompt)
	if res.Text != "" {
		if _, saveErr := s.ws.SaveMessage(domain.RoleAssistant, res.Text, time.Time{}); saveErr != nil {
			s.logger.Error("Failed to save assistant reply", "error", saveErr)
		}
	}

	s.mu.Lock()
	interrupted := s.interrupted
	s.mu.Unlock()

	switch {
	case interrupted || (turnCtx.Err() != nil && res.Result == nil):
		res.Interrupted = true
	case err != nil || res.Result == nil || res.Result.IsError:
		s.recordFailure(ctx)
	default:
		s.escalation.OnSuccess()
	}

	s.maybeAutoName(ctx)
	s.refreshIndex(ctx)

	if err != nil && !res.Interrupted {
		return res, err
	}
	return res, nil
}

// stream runs the query. Agent questions are asked under askCtx, which an
// interrupt cancels while the stream itself keeps draining.
func (s *Session) stream(ctx, askCtx context.Context, prompt string) (TurnResult, error) {
	var res TurnResult
	if err := s.lease.Query(ctx, prompt, s.id); err != nil {
		return res, fmt.Errorf("query agent: %w", err)
	}

	var reply strings.Builder
	for msg, err := range s.lease.StreamResponses(ctx) {
		if err != nil {
			res.Text = reply.String()
			return res, fmt.Errorf("stream agent: %w", err)
		}
		switch m := msg.(type) {
		case agent.AssistantText:
			reply.WriteString(m.Text)
		case agent.QuestionRequest:
			s.answerQuestion(askCtx, m)
			continue
		case agent.Result:
			res.Result = &m
		}
		if ev, ok := eventFor(msg); ok {
			s.emit(ctx, Frame{Type: FrameEvent, Event: &ev})
		}
	}

	res.Text = reply.String()
	if res.Text == "" && res.Result != nil && !res.Result.IsError {
		res.Text = res.Result.Text
	}
	return res, nil
}

// answerQuestion asks the user and relays the outcome to the agent. A
// timeout or cancellation is relayed as an error so the agent can proceed.
func (s *Session) answerQuestion(ctx context.Context, req agent.QuestionRequest) {
	var answers question.Answers
	askErr := errTurnInterrupted
	if ctx.Err() == nil {
		answers, askErr = s.questions.Ask(ctx, req.Questions, 0)
	}
	if askErr != nil {
		s.logger.Info("Question unanswered", "request_id", req.RequestID, "error", askErr)
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.coord.cfg.CallTimeout)
	defer cancel()
	if err := s.lease.RespondQuestion(rctx, req.RequestID, answers, askErr); err != nil {
		s.logger.Warn("Failed to relay question answer", "request_id", req.RequestID, "error", err)
	}
}

func (s *Session) recordFailure(ctx context.Context) {
	model, notice, level := s.escalation.OnFailure()
	if notice == "" {
		return
	}
	s.logger.Info("Model escalation", "level", level, "model", model)
	if model != "" && !s.lease.SetModel(model) {
		s.logger.Warn("Client cannot switch models", "model", model)
	}
	s.emit(ctx, Frame{Type: FrameEvent, Event: &Event{
		Kind:  EventNotice,
		Text:  notice,
		Model: model,
		Level: level,
	}})
}

// maybeAutoName names a CREATED session after its first exchange, using the
// first user message.
func (s *Session) maybeAutoName(ctx context.Context) {
	meta := s.ws.Metadata()
	if meta.State != domain.StateCreated || meta.MessageCount < autoNameMessages {
		return
	}
	msgs, err := s.ws.Messages()
	if err != nil {
		s.logger.Warn("Cannot read history for naming", "error", err)
		return
	}
	var first string
	for _, m := range msgs {
		if m.Role == domain.RoleUser {
			first = m.Content
			break
		}
	}
	name := deriveDisplayName(first)
	if name == "" {
		return
	}
	if err := s.ws.UpdateDisplayName(name); err != nil {
		s.logger.Warn("Auto-naming failed", "error", err)
		return
	}
	if err := s.ws.UpdateState(domain.StateAutoNamed); err != nil {
		s.logger.Warn("Auto-naming state change failed", "error", err)
		return
	}
	s.emit(ctx, Frame{Type: FrameEvent, Event: &Event{Kind: EventRenamed, DisplayName: name}})
}

// deriveDisplayName takes the first line of text, collapses whitespace and
// cuts it at a word boundary.
func deriveDisplayName(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	name := strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(name) <= maxAutoNameRunes {
		return name
	}
	cut := string([]rune(name)[:maxAutoNameRunes])
	if i := strings.LastIndexByte(cut, ' '); i > maxAutoNameRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}

// Interrupt asks the agent to stop the running turn and withdraws any
// pending questions.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	running := s.turnCancel != nil
	if running {
		s.interrupted = true
		s.askCancel()
	}
	s.mu.Unlock()
	if !running {
		return ErrNoActiveTurn
	}

	s.questions.CancelAll(errTurnInterrupted)
	ictx, cancel := context.WithTimeout(ctx, s.coord.cfg.CallTimeout)
	defer cancel()
	if err := s.lease.Interrupt(ictx); err != nil {
		return fmt.Errorf("interrupt agent: %w", err)
	}
	s.logger.Info("Turn interrupted")
	return nil
}

// SubmitAnswer resolves a pending question. It reports whether one was
// waiting.
func (s *Session) SubmitAnswer(questionID string, answers question.Answers) bool {
	s.touch()
	return s.questions.SubmitAnswer(questionID, answers)
}

// IdleSince returns the time of the last turn or answer, and false while a
// turn is running.
func (s *Session) IdleSince() (time.Time, bool) {
	s.mu.Lock()
	running := s.turnCancel != nil
	s.mu.Unlock()
	if running {
		return time.Time{}, false
	}
	return time.Unix(0, s.lastActivity.Load()), true
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Close ends the session: pending questions are cancelled, the running turn
// is stopped, the lease returns to the pool, and a workspace that never
// received a message is deleted. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancelTurn := s.turnCancel
		s.mu.Unlock()

		s.questions.CancelAll(ErrSessionClosed)
		if cancelTurn != nil {
			cancelTurn()
		}
		s.turns.Wait()
		s.lease.Release()
		defer s.coord.forget(s)

		ctx = context.WithoutCancel(ctx)
		if s.ws.Metadata().MessageCount == 0 {
			if derr := s.coord.workspaces.Delete(s.id); derr != nil && !errors.Is(derr, workspace.ErrNotFound) {
				err = fmt.Errorf("delete empty workspace: %w", derr)
			}
			s.coord.index.Remove(ctx, s.id)
			s.logger.Info("Session closed, empty workspace removed")
			return
		}
		s.refreshIndex(ctx)
		s.logger.Info("Session closed")
	})
	return err
}

func (s *Session) refreshIndex(ctx context.Context) {
	s.coord.index.Update(context.WithoutCancel(ctx), s.ws.Stats())
}

func (s *Session) emit(ctx context.Context, f Frame) {
	f.SessionID = s.id
	if err := s.out.Send(ctx, f); err != nil {
		s.logger.Debug("Failed to send frame", "type", f.Type, "error", err)
	}
}
