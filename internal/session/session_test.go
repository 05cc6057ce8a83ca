package session

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/deskmate/internal/agent"
	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/index"
	"github.com/ashureev/deskmate/internal/pool"
	"github.com/ashureev/deskmate/internal/question"
	"github.com/ashureev/deskmate/internal/store"
	"github.com/ashureev/deskmate/internal/workspace"
)

// scriptClient replays a fixed response per prompt. A QuestionRequest in the
// script suspends the stream until RespondQuestion is called. When hang is
// set the stream stalls after the script until Interrupt or ctx ends, then
// replays afterInterrupt.
type scriptClient struct {
	script         func(prompt string) []agent.Message
	hang           bool
	afterInterrupt []agent.Message

	mu        sync.Mutex
	prompt    string
	models    []string
	responses []questionResponse

	answered   chan struct{}
	interrupts chan struct{}
}

type questionResponse struct {
	requestID string
	answers   question.Answers
	cause     error
}

func newScriptClient(script func(string) []agent.Message) *scriptClient {
	return &scriptClient{
		script:     script,
		answered:   make(chan struct{}, 4),
		interrupts: make(chan struct{}, 4),
	}
}

func (c *scriptClient) Connect(context.Context) error    { return nil }
func (c *scriptClient) Disconnect(context.Context) error { return nil }
func (c *scriptClient) Connected() bool                  { return true }

func (c *scriptClient) Query(_ context.Context, prompt, _ string) error {
	c.mu.Lock()
	c.prompt = prompt
	c.mu.Unlock()
	return nil
}

func (c *scriptClient) StreamResponses(ctx context.Context) iter.Seq2[agent.Message, error] {
	c.mu.Lock()
	msgs := c.script(c.prompt)
	c.mu.Unlock()

	return func(yield func(agent.Message, error) bool) {
		replay := func(msgs []agent.Message) bool {
			for _, m := range msgs {
				if !yield(m, nil) {
					return false
				}
				if _, ok := m.(agent.QuestionRequest); ok {
					select {
					case <-c.answered:
					case <-ctx.Done():
						yield(nil, ctx.Err())
						return false
					}
				}
			}
			return true
		}
		if !replay(msgs) || !c.hang {
			return
		}
		select {
		case <-c.interrupts:
			if replay(c.afterInterrupt) {
				yield(agent.Result{Text: "interrupted", IsError: true}, nil)
			}
		case <-ctx.Done():
			yield(nil, ctx.Err())
		}
	}
}

func (c *scriptClient) Interrupt(context.Context) error {
	c.interrupts <- struct{}{}
	return nil
}

func (c *scriptClient) ServerInfo(context.Context) (map[string]any, error) { return nil, nil }

func (c *scriptClient) SetModel(model string) {
	c.mu.Lock()
	c.models = append(c.models, model)
	c.mu.Unlock()
}

func (c *scriptClient) RespondQuestion(_ context.Context, requestID string, answers question.Answers, cause error) error {
	c.mu.Lock()
	c.responses = append(c.responses, questionResponse{requestID, answers, cause})
	c.mu.Unlock()
	c.answered <- struct{}{}
	return nil
}

func (c *scriptClient) modelHistory() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.models...)
}

func (c *scriptClient) questionResponses() []questionResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]questionResponse(nil), c.responses...)
}

// recorder collects outbound frames.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
	notify chan Frame
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan Frame, 64)}
}

func (r *recorder) Send(_ context.Context, f Frame) error {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	select {
	case r.notify <- f:
	default:
	}
	return nil
}

func (r *recorder) eventKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []string
	for _, f := range r.frames {
		if f.Type == FrameEvent {
			kinds = append(kinds, f.Event.Kind)
		}
	}
	return kinds
}

func (r *recorder) waitFor(t *testing.T, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-r.notify:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for frame")
			return Frame{}
		}
	}
}

type harness struct {
	coord  *Coordinator
	pool   *pool.Pool
	mgr    *workspace.Manager
	index  *index.Index
	client *scriptClient
}

func newHarness(t *testing.T, client *scriptClient, cfg Config) *harness {
	t.Helper()
	root := t.TempDir()

	mgr, err := workspace.NewManager(root, workspace.DefaultLimits(), nil)
	require.NoError(t, err)
	ix, err := index.New(context.Background(), store.NewJSONFile(filepath.Join(root, "index.json")), mgr, nil)
	require.NoError(t, err)

	p, err := pool.New(pool.Config{
		InitialSize:         0,
		MaxSize:             1,
		IdleTimeout:         time.Minute,
		HealthCheckInterval: time.Minute,
		MaxAcquireWait:      200 * time.Millisecond,
	}, func() (agent.Client, error) { return client, nil }, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background(), true) })

	return &harness{
		coord:  NewCoordinator(p, mgr, ix, cfg, nil),
		pool:   p,
		mgr:    mgr,
		index:  ix,
		client: client,
	}
}

func reply(text string) func(string) []agent.Message {
	return func(string) []agent.Message {
		return []agent.Message{
			agent.SystemInit{Model: "small"},
			agent.AssistantText{Text: text},
			agent.Result{Text: text, NumTurns: 1},
		}
	}
}

func TestSession_RunTurnPersistsAndStreams(t *testing.T) {
	client := newScriptClient(func(string) []agent.Message {
		return []agent.Message{
			agent.SystemInit{Model: "small"},
			agent.AssistantText{Text: "Sure"},
			agent.AssistantText{Text: "!"},
			agent.Result{Text: "Sure!", NumTurns: 1},
		}
	})
	h := newHarness(t, client, Config{})
	out := newRecorder()
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "s1", out)
	require.NoError(t, err)
	defer s.Close(ctx)

	res, err := s.RunTurn(ctx, "Plan a trip to Lisbon\nwith museums")
	require.NoError(t, err)
	assert.Equal(t, "Sure!", res.Text)
	require.NotNil(t, res.Result)
	assert.False(t, res.Interrupted)

	msgs, err := s.Workspace().Messages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Sure!", msgs[1].Content)

	meta := s.Workspace().Metadata()
	assert.Equal(t, domain.StateAutoNamed, meta.State)
	assert.Equal(t, "Plan a trip to Lisbon", meta.DisplayName)

	sum, ok := h.index.Get("s1")
	require.True(t, ok)
	assert.Equal(t, 2, sum.MessageCount)
	assert.Equal(t, "Plan a trip to Lisbon", sum.DisplayName)

	assert.Equal(t, []string{"system_init", "assistant_text", "assistant_text", "result", EventRenamed}, out.eventKinds())
}

func TestSession_RunTurnRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})
	s, err := h.coord.Open(context.Background(), "s1", newRecorder())
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.RunTurn(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Equal(t, 0, s.Workspace().Metadata().MessageCount)
}

func TestSession_RunTurnAnswersAgentQuestion(t *testing.T) {
	questions := []question.Question{{
		Question: "Which city?",
		Header:   "City",
		Options: []question.Option{
			{Label: "Lisbon", Description: "Portugal"},
			{Label: "Porto", Description: "Also Portugal"},
		},
	}}
	client := newScriptClient(func(string) []agent.Message {
		return []agent.Message{
			agent.QuestionRequest{RequestID: "req-1", Questions: questions},
			agent.AssistantText{Text: "Lisbon it is"},
			agent.Result{Text: "Lisbon it is"},
		}
	})
	h := newHarness(t, client, Config{QuestionTimeout: 2 * time.Second})
	out := newRecorder()
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "s1", out)
	require.NoError(t, err)
	defer s.Close(ctx)

	done := make(chan TurnResult, 1)
	go func() {
		res, err := s.RunTurn(ctx, "Where should I go?")
		assert.NoError(t, err)
		done <- res
	}()

	f := out.waitFor(t, func(f Frame) bool { return f.Type == FrameQuestion })
	require.NotNil(t, f.Question)
	assert.Equal(t, "s1", f.SessionID)

	pending, err := h.coord.PendingQuestions("s1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, h.coord.SubmitAnswer("s1", f.Question.ID, question.Answers{"Which city?": question.Single("Lisbon")}))

	select {
	case res := <-done:
		assert.Equal(t, "Lisbon it is", res.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}

	responses := client.questionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "req-1", responses[0].requestID)
	assert.NoError(t, responses[0].cause)
	assert.Equal(t, "Lisbon", responses[0].answers["Which city?"].Single)
}

func TestCoordinator_SubmitAnswerErrors(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})

	err := h.coord.SubmitAnswer("nobody", "q", nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	s, err := h.coord.Open(context.Background(), "s1", newRecorder())
	require.NoError(t, err)
	defer s.Close(context.Background())

	err = h.coord.SubmitAnswer("s1", "unknown", nil)
	assert.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestSession_TurnInProgressAndInterrupt(t *testing.T) {
	client := newScriptClient(func(string) []agent.Message {
		return []agent.Message{agent.SystemInit{Model: "small"}}
	})
	client.hang = true
	h := newHarness(t, client, Config{})
	out := newRecorder()
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "s1", out)
	require.NoError(t, err)
	defer s.Close(ctx)

	assert.ErrorIs(t, s.Interrupt(ctx), ErrNoActiveTurn)

	done := make(chan TurnResult, 1)
	go func() {
		res, _ := s.RunTurn(ctx, "long task")
		done <- res
	}()
	out.waitFor(t, func(f Frame) bool { return f.Type == FrameEvent && f.Event.Kind == "system_init" })

	_, err = s.RunTurn(ctx, "second")
	assert.ErrorIs(t, err, ErrTurnInProgress)

	require.NoError(t, s.Interrupt(ctx))
	select {
	case res := <-done:
		assert.True(t, res.Interrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop")
	}
	assert.Equal(t, 0, s.escalation.ConsecutiveFailures())
}

func TestSession_InterruptRejectsLateQuestion(t *testing.T) {
	client := newScriptClient(func(string) []agent.Message {
		return []agent.Message{agent.SystemInit{Model: "small"}}
	})
	client.hang = true
	client.afterInterrupt = []agent.Message{agent.QuestionRequest{
		RequestID: "late",
		Questions: []question.Question{{
			Question: "Keep going?",
			Header:   "Continue",
			Options: []question.Option{
				{Label: "Yes", Description: "Carry on"},
				{Label: "No", Description: "Stop here"},
			},
		}},
	}}
	h := newHarness(t, client, Config{QuestionTimeout: 5 * time.Minute})
	out := newRecorder()
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "s1", out)
	require.NoError(t, err)
	defer s.Close(ctx)

	done := make(chan TurnResult, 1)
	go func() {
		res, _ := s.RunTurn(ctx, "long task")
		done <- res
	}()
	out.waitFor(t, func(f Frame) bool { return f.Type == FrameEvent && f.Event.Kind == "system_init" })

	require.NoError(t, s.Interrupt(ctx))
	select {
	case res := <-done:
		assert.True(t, res.Interrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("turn blocked on a question asked after the interrupt")
	}

	responses := client.questionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "late", responses[0].requestID)
	assert.ErrorIs(t, responses[0].cause, errTurnInterrupted)
	out.mu.Lock()
	defer out.mu.Unlock()
	for _, f := range out.frames {
		assert.NotEqual(t, FrameQuestion, f.Type)
	}
}

func TestSession_EscalatesAfterRepeatedFailures(t *testing.T) {
	client := newScriptClient(func(string) []agent.Message {
		return []agent.Message{agent.Result{Text: "tool crashed", IsError: true}}
	})
	h := newHarness(t, client, Config{Escalation: agent.EscalationConfig{
		Threshold:    2,
		Tiers:        []string{"small", "large"},
		AutoEscalate: true,
	}})
	out := newRecorder()
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "s1", out)
	require.NoError(t, err)
	defer s.Close(ctx)
	assert.Equal(t, []string{"small"}, client.modelHistory())

	for range 2 {
		_, err := s.RunTurn(ctx, "try again")
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.EscalationLevel())
	assert.Equal(t, []string{"small", "large"}, client.modelHistory())
	assert.Contains(t, out.eventKinds(), EventNotice)
}

func TestSession_CloseDeletesEmptyWorkspace(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "empty", newRecorder())
	require.NoError(t, err)
	_, indexed := h.index.Get("empty")
	assert.True(t, indexed)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	_, err = h.mgr.Load("empty")
	assert.ErrorIs(t, err, workspace.ErrNotFound)
	_, indexed = h.index.Get("empty")
	assert.False(t, indexed)
	assert.Equal(t, 0, h.pool.Stats().Acquired)
	assert.Equal(t, 0, h.coord.ActiveCount())

	_, err = s.RunTurn(ctx, "hello")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_CloseKeepsWorkspaceWithMessages(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("hi")), Config{})
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "kept", newRecorder())
	require.NoError(t, err)
	_, err = s.RunTurn(ctx, "hello")
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 0, h.mgr.Cached())

	w, err := h.mgr.Load("kept")
	require.NoError(t, err)
	assert.Equal(t, 2, w.Metadata().MessageCount)
	_, indexed := h.index.Get("kept")
	assert.True(t, indexed)
}

func TestSession_CloseCancelsPendingQuestion(t *testing.T) {
	client := newScriptClient(func(string) []agent.Message {
		return []agent.Message{agent.QuestionRequest{RequestID: "req-1", Questions: []question.Question{{
			Question: "Continue?",
			Header:   "Confirm",
			Options: []question.Option{
				{Label: "Yes", Description: "Go on"},
				{Label: "No", Description: "Stop"},
			},
		}}}}
	})
	h := newHarness(t, client, Config{QuestionTimeout: time.Minute})
	out := newRecorder()
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "s1", out)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunTurn(ctx, "do it")
	}()
	out.waitFor(t, func(f Frame) bool { return f.Type == FrameQuestion })

	require.NoError(t, s.Close(ctx))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn outlived its session")
	}

	responses := client.questionResponses()
	require.Len(t, responses, 1)
	assert.ErrorIs(t, responses[0].cause, question.ErrCancelled)
}

func TestCoordinator_OpenReplacesLiveSession(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})
	ctx := context.Background()

	first, err := h.coord.Open(ctx, "s1", newRecorder())
	require.NoError(t, err)

	// The pool holds a single client, so this only succeeds if the first
	// session released it.
	second, err := h.coord.Open(ctx, "s1", newRecorder())
	require.NoError(t, err)
	defer second.Close(ctx)

	_, err = first.RunTurn(ctx, "hello")
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, ok := h.coord.Get("s1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestCoordinator_OpenReportsPoolExhaustion(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "a", newRecorder())
	require.NoError(t, err)
	defer s.Close(ctx)

	_, err = h.coord.Open(ctx, "b", newRecorder())
	assert.ErrorIs(t, err, pool.ErrPoolExhausted)
	assert.Equal(t, 1, h.coord.ActiveCount())
}

func TestCoordinator_OpenRejectsInvalidID(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})
	_, err := h.coord.Open(context.Background(), "../x", newRecorder())
	assert.ErrorIs(t, err, workspace.ErrInvalidSessionID)
}

func TestCoordinator_CloseAll(t *testing.T) {
	h := newHarness(t, newScriptClient(reply("x")), Config{})
	_, err := h.coord.Open(context.Background(), "s1", newRecorder())
	require.NoError(t, err)

	h.coord.CloseAll(context.Background())
	assert.Equal(t, 0, h.coord.ActiveCount())
}

func TestDeriveDisplayName(t *testing.T) {
	assert.Equal(t, "Plan a trip", deriveDisplayName("  Plan   a\ttrip \nsecond line"))
	assert.Equal(t, "", deriveDisplayName("   "))

	long := "word "
	for range 20 {
		long += "longword "
	}
	got := deriveDisplayName(long)
	assert.LessOrEqual(t, len([]rune(got)), maxAutoNameRunes+3)
	assert.True(t, len(got) > 3 && got[len(got)-3:] == "...")
}

func TestEventFor_SkipsQuestions(t *testing.T) {
	_, ok := eventFor(agent.QuestionRequest{RequestID: "r"})
	assert.False(t, ok)

	ev, ok := eventFor(agent.ToolUse{ID: "t1", Name: "read_file"})
	require.True(t, ok)
	assert.Equal(t, "tool_use", ev.Kind)
	assert.Equal(t, "read_file", ev.ToolName)
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	rl.now = func() time.Time { return now.Add(time.Duration(offset.Load())) }

	assert.True(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"))

	offset.Store(int64(61 * time.Second))
	assert.True(t, rl.Allow("s1"))

	rl.evict()
	rl.mu.Lock()
	_, tracked := rl.requests["s2"]
	rl.mu.Unlock()
	assert.False(t, tracked)
}

func TestCoordinator_ReapIdleClosesOnlyExpiredSessions(t *testing.T) {
	client := newScriptClient(reply("x"))
	h := newHarness(t, client, Config{})
	ctx := context.Background()

	s, err := h.coord.Open(ctx, "stale", newRecorder())
	require.NoError(t, err)

	var reaped []string
	assert.Equal(t, 0, h.coord.reapIdle(ctx, time.Hour, func(id string) { reaped = append(reaped, id) }))
	assert.Empty(t, reaped)

	s.lastActivity.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	assert.Equal(t, 1, h.coord.reapIdle(ctx, time.Hour, func(id string) { reaped = append(reaped, id) }))
	assert.Equal(t, []string{"stale"}, reaped)
	assert.Equal(t, 0, h.coord.ActiveCount())
	assert.Equal(t, 0, h.pool.Stats().Acquired)
}
