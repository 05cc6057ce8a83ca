package agent

import "github.com/ashureev/deskmate/internal/question"

// MessageKind names a Message variant.
type MessageKind string

// Message kinds produced by the backend.
const (
	KindSystemInit      MessageKind = "system_init"
	KindAssistantText   MessageKind = "assistant_text"
	KindThinking        MessageKind = "thinking"
	KindToolUse         MessageKind = "tool_use"
	KindToolResult      MessageKind = "tool_result"
	KindQuestionRequest MessageKind = "question"
	KindResult          MessageKind = "result"
)

// Message is one item of a turn's response stream. The set of
// implementations is closed; switch on the concrete type.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// SystemInit opens a turn.
type SystemInit struct {
	SessionID string
	Model     string
	Tools     []string
}

// AssistantText is a chunk of the assistant's visible reply.
type AssistantText struct {
	Text string
}

// Thinking is a chunk of the assistant's reasoning.
type Thinking struct {
	Text string
}

// ToolUse reports that the assistant invoked a tool.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries the output of a tool invocation.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// QuestionRequest asks the user a structured question mid-turn. The turn
// stays suspended until the client receives an answer for RequestID.
type QuestionRequest struct {
	RequestID string
	Questions []question.Question
}

// Result closes a turn.
type Result struct {
	SessionID  string
	Text       string
	IsError    bool
	DurationMS int64
	CostUSD    float64
	NumTurns   int
}

func (SystemInit) Kind() MessageKind      { return KindSystemInit }
func (AssistantText) Kind() MessageKind   { return KindAssistantText }
func (Thinking) Kind() MessageKind        { return KindThinking }
func (ToolUse) Kind() MessageKind         { return KindToolUse }
func (ToolResult) Kind() MessageKind      { return KindToolResult }
func (QuestionRequest) Kind() MessageKind { return KindQuestionRequest }
func (Result) Kind() MessageKind          { return KindResult }

func (SystemInit) isMessage()      {}
func (AssistantText) isMessage()   {}
func (Thinking) isMessage()        {}
func (ToolUse) isMessage()         {}
func (ToolResult) isMessage()      {}
func (QuestionRequest) isMessage() {}
func (Result) isMessage()          {}
