package session

import (
	"context"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/question"
)

// Outbound frame types.
const (
	FrameReady    = "ready"
	FrameEvent    = "event"
	FrameQuestion = question.PayloadType
	FrameError    = "error"
	FramePong     = "pong"
)

// Event kinds that do not come from the agent stream.
const (
	EventNotice  = "notice"
	EventRenamed = "renamed"
)

// Error codes carried by error frames.
const (
	CodePoolBusy          = "pool_busy"
	CodeUnavailable       = "session_unavailable"
	CodeTurnInProgress    = "turn_in_progress"
	CodeNoActiveTurn      = "no_active_turn"
	CodeUnknownQuestion   = "unknown_question"
	CodeRateLimited       = "rate_limited"
	CodeBadFrame          = "bad_frame"
	CodeTurnFailed        = "turn_failed"
	CodeInterruptFailed   = "interrupt_failed"
	CodeWorkspaceReadOnly = "workspace_read_only"
)

// Frame is one JSON message sent to the browser.
type Frame struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Event     *Event                 `json:"event,omitempty"`
	Question  *question.Payload      `json:"question,omitempty"`
	Session   *domain.SessionSummary `json:"session,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// Event is the UI rendering of one agent message or session notice.
type Event struct {
	Kind        string         `json:"kind"`
	Text        string         `json:"text,omitempty"`
	Model       string         `json:"model,omitempty"`
	Tools       []string       `json:"tools,omitempty"`
	ToolUseID   string         `json:"tool_use_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	IsError     bool           `json:"is_error,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	CostUSD     float64        `json:"cost_usd,omitempty"`
	NumTurns    int            `json:"num_turns,omitempty"`
	Level       int            `json:"level,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
}

// eventFor renders msg. QuestionRequest has no event; the question service
// sends its own frame.
func eventFor(msg agent.Message) (Event, bool) {
	switch m := msg.(type) {
	case agent.SystemInit:
		return Event{Kind: string(m.Kind()), Model: m.Model, Tools: m.Tools}, true
	case agent.AssistantText:
		return Event{Kind: string(m.Kind()), Text: m.Text}, true
	case agent.Thinking:
		return Event{Kind: string(m.Kind()), Text: m.Text}, true
	case agent.ToolUse:
		return Event{Kind: string(m.Kind()), ToolUseID: m.ID, ToolName: m.Name, Input: m.Input}, true
	case agent.ToolResult:
		return Event{Kind: string(m.Kind()), ToolUseID: m.ToolUseID, Text: m.Content, IsError: m.IsError}, true
	case agent.Result:
		return Event{
			Kind:       string(m.Kind()),
			Text:       m.Text,
			IsError:    m.IsError,
			DurationMS: m.DurationMS,
			CostUSD:    m.CostUSD,
			NumTurns:   m.NumTurns,
		}, true
	}
	return Event{}, false
}

// Outbound delivers frames to the session's browser connection.
type Outbound interface {
	Send(ctx context.Context, f Frame) error
}

// OutboundFunc adapts a function to Outbound.
type OutboundFunc func(ctx context.Context, f Frame) error

// Send calls f.
func (f OutboundFunc) Send(ctx context.Context, fr Frame) error { return f(ctx, fr) }

// questionSender routes question payloads through out.
func questionSender(sessionID string, out Outbound) question.Sender {
	return question.SenderFunc(func(ctx context.Context, p question.Payload) error {
		return out.Send(ctx, Frame{Type: FrameQuestion, SessionID: sessionID, Question: &p})
	})
}
