package agent

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/deskmate/internal/question"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// wireMessage is the union of all fields any message kind may carry.
// Numbers travel as JSON doubles inside structpb, hence the float fields.
type wireMessage struct {
	Type       string              `json:"type"`
	SessionID  string              `json:"session_id"`
	Model      string              `json:"model"`
	Tools      []string            `json:"tools"`
	Text       string              `json:"text"`
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Input      map[string]any      `json:"input"`
	ToolUseID  string              `json:"tool_use_id"`
	Content    string              `json:"content"`
	IsError    bool                `json:"is_error"`
	RequestID  string              `json:"request_id"`
	Questions  []question.Question `json:"questions"`
	DurationMS float64             `json:"duration_ms"`
	CostUSD    float64             `json:"total_cost_usd"`
	NumTurns   float64             `json:"num_turns"`
}

func decodeMessage(raw *structpb.Struct) (Message, error) {
	data, err := protojson.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode agent message: %w", err)
	}
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode agent message: %w", err)
	}

	switch MessageKind(w.Type) {
	case KindSystemInit:
		return SystemInit{SessionID: w.SessionID, Model: w.Model, Tools: w.Tools}, nil
	case KindAssistantText:
		return AssistantText{Text: w.Text}, nil
	case KindThinking:
		return Thinking{Text: w.Text}, nil
	case KindToolUse:
		return ToolUse{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case KindToolResult:
		return ToolResult{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError}, nil
	case KindQuestionRequest:
		if w.RequestID == "" {
			return nil, fmt.Errorf("decode agent message: question without request_id")
		}
		return QuestionRequest{RequestID: w.RequestID, Questions: w.Questions}, nil
	case KindResult:
		return Result{
			SessionID:  w.SessionID,
			Text:       w.Text,
			IsError:    w.IsError,
			DurationMS: int64(w.DurationMS),
			CostUSD:    w.CostUSD,
			NumTurns:   int(w.NumTurns),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, w.Type)
	}
}

func encodeAnswers(answers question.Answers) map[string]any {
	out := make(map[string]any, len(answers))
	for text, a := range answers {
		if !a.IsMulti() {
			out[text] = a.Single
			continue
		}
		list := make([]any, len(a.Multi))
		for i, v := range a.Multi {
			list[i] = v
		}
		out[text] = list
	}
	return out
}
