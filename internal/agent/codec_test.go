package agent

import (
	"testing"

	"github.com/ashureev/deskmate/internal/question"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func TestDecodeMessage_Kinds(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   Message
	}{
		{
			name:   "system init",
			fields: map[string]any{"type": "system_init", "session_id": "s1", "model": "m", "tools": []any{"bash"}},
			want:   SystemInit{SessionID: "s1", Model: "m", Tools: []string{"bash"}},
		},
		{
			name:   "assistant text",
			fields: map[string]any{"type": "assistant_text", "text": "hello"},
			want:   AssistantText{Text: "hello"},
		},
		{
			name:   "thinking",
			fields: map[string]any{"type": "thinking", "text": "hmm"},
			want:   Thinking{Text: "hmm"},
		},
		{
			name:   "tool use",
			fields: map[string]any{"type": "tool_use", "id": "t1", "name": "web_search", "input": map[string]any{"q": "go"}},
			want:   ToolUse{ID: "t1", Name: "web_search", Input: map[string]any{"q": "go"}},
		},
		{
			name:   "tool result",
			fields: map[string]any{"type": "tool_result", "tool_use_id": "t1", "content": "ok", "is_error": true},
			want:   ToolResult{ToolUseID: "t1", Content: "ok", IsError: true},
		},
		{
			name:   "result",
			fields: map[string]any{"type": "result", "session_id": "s1", "text": "done", "duration_ms": 1500, "total_cost_usd": 0.25, "num_turns": 2},
			want:   Result{SessionID: "s1", Text: "done", DurationMS: 1500, CostUSD: 0.25, NumTurns: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeMessage(mustStruct(t, tt.fields))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Kind(), got.Kind())
		})
	}
}

func TestDecodeMessage_QuestionRequest(t *testing.T) {
	raw := mustStruct(t, map[string]any{
		"type":       "question",
		"request_id": "r1",
		"questions": []any{map[string]any{
			"question":    "Pick one",
			"header":      "Choice",
			"multiSelect": true,
			"options": []any{
				map[string]any{"label": "A", "description": "first"},
				map[string]any{"label": "B", "description": "second"},
			},
		}},
	})

	got, err := decodeMessage(raw)
	require.NoError(t, err)
	req, ok := got.(QuestionRequest)
	require.True(t, ok)
	assert.Equal(t, "r1", req.RequestID)
	require.Len(t, req.Questions, 1)
	assert.True(t, req.Questions[0].MultiSelect)
	assert.NoError(t, question.Validate(req.Questions))
}

func TestDecodeMessage_RejectsUnknownAndIncomplete(t *testing.T) {
	_, err := decodeMessage(mustStruct(t, map[string]any{"type": "telemetry"}))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = decodeMessage(mustStruct(t, map[string]any{"type": "question"}))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownMessage)
}

func TestEncodeAnswers(t *testing.T) {
	out := encodeAnswers(question.Answers{
		"one":  question.Single("A"),
		"many": question.Multi("A", "B"),
	})
	assert.Equal(t, "A", out["one"])
	assert.Equal(t, []any{"A", "B"}, out["many"])

	_, err := structpb.NewStruct(out)
	assert.NoError(t, err)
}
