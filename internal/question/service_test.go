package question

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Payload
	ch   chan Payload
	err  error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan Payload, 8)}
}

func (r *recordingSender) SendQuestion(_ context.Context, p Payload) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	r.sent = append(r.sent, p)
	r.mu.Unlock()
	r.ch <- p
	return nil
}

func sampleQuestions() []Question {
	return []Question{{
		Question: "Which format should the report use?",
		Header:   "Format",
		Options: []Option{
			{Label: "PDF", Description: "Portable document"},
			{Label: "Markdown", Description: "Plain text with markup"},
		},
	}}
}

func TestService_AskTimesOut(t *testing.T) {
	svc := NewService(newRecordingSender(), time.Minute, nil)

	start := time.Now()
	_, err := svc.Ask(context.Background(), sampleQuestions(), 500*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Empty(t, svc.Pending())
}

func TestService_AskReturnsSubmittedAnswer(t *testing.T) {
	sender := newRecordingSender()
	svc := NewService(sender, time.Minute, nil)
	want := Answers{"Which format should the report use?": Single("PDF")}

	go func() {
		p := <-sender.ch
		svc.SubmitAnswer(p.ID, want)
	}()

	got, err := svc.Ask(context.Background(), sampleQuestions(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Empty(t, svc.Pending())
}

func TestService_SubmitAnswerUnknownIDIsNoop(t *testing.T) {
	svc := NewService(newRecordingSender(), time.Minute, nil)

	assert.NotPanics(t, func() {
		assert.False(t, svc.SubmitAnswer("does-not-exist", Answers{"q": Single("a")}))
	})
	assert.Empty(t, svc.Pending())
}

func TestService_DuplicateAnswerIgnored(t *testing.T) {
	sender := newRecordingSender()
	svc := NewService(sender, time.Minute, nil)

	go func() {
		p := <-sender.ch
		svc.SubmitAnswer(p.ID, Answers{"q": Single("first")})
		svc.SubmitAnswer(p.ID, Answers{"q": Single("second")})
	}()

	got, err := svc.Ask(context.Background(), sampleQuestions(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", got["q"].Single)
}

func TestService_CancelAllUnblocksAsk(t *testing.T) {
	sender := newRecordingSender()
	svc := NewService(sender, time.Minute, nil)
	closed := errors.New("connection closed")

	go func() {
		<-sender.ch
		svc.CancelAll(closed)
	}()

	_, err := svc.Ask(context.Background(), sampleQuestions(), 10*time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, closed)
}

func TestService_CancelSingleQuestion(t *testing.T) {
	sender := newRecordingSender()
	svc := NewService(sender, time.Minute, nil)

	go func() {
		p := <-sender.ch
		svc.Cancel(p.ID, nil)
	}()

	_, err := svc.Ask(context.Background(), sampleQuestions(), 10*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestService_SendFailureCleansUp(t *testing.T) {
	sender := newRecordingSender()
	sender.err = errors.New("socket closed")
	svc := NewService(sender, time.Minute, nil)

	_, err := svc.Ask(context.Background(), sampleQuestions(), time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, svc.Pending())
}

func TestService_AskRejectsInvalidShapeBeforeSending(t *testing.T) {
	sender := newRecordingSender()
	svc := NewService(sender, time.Minute, nil)

	bad := sampleQuestions()
	bad[0].Header = "Much too long header"

	_, err := svc.Ask(context.Background(), bad, time.Second)
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, sender.sent)
}

func TestValidate(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrValidation)

	five := make([]Question, 5)
	for i := range five {
		five[i] = sampleQuestions()[0]
	}
	assert.ErrorIs(t, Validate(five), ErrValidation)

	oneOption := sampleQuestions()
	oneOption[0].Options = oneOption[0].Options[:1]
	assert.ErrorIs(t, Validate(oneOption), ErrValidation)

	noDescription := sampleQuestions()
	noDescription[0].Options[1].Description = ""
	assert.ErrorIs(t, Validate(noDescription), ErrValidation)

	assert.NoError(t, Validate(sampleQuestions()))
}

func TestService_ConcurrentSessionsDoNotBlockEachOther(t *testing.T) {
	senderA, senderB := newRecordingSender(), newRecordingSender()
	svcA := NewService(senderA, time.Minute, nil)
	svcB := NewService(senderB, time.Minute, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svcA.Ask(context.Background(), sampleQuestions(), 300*time.Millisecond)
		assert.ErrorIs(t, err, ErrTimeout)
	}()

	go func() {
		p := <-senderB.ch
		svcB.SubmitAnswer(p.ID, Answers{"q": Multi("a", "b")})
	}()
	got, err := svcB.Ask(context.Background(), sampleQuestions(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got["q"].Values())

	wg.Wait()
}

func TestAnswer_JSONShapes(t *testing.T) {
	var payload AnswerPayload
	raw := `{"questionId":"q-1","answers":{"Format?":"PDF","Sections?":["Intro","Summary"]}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))

	assert.Equal(t, "q-1", payload.QuestionID)
	assert.False(t, payload.Answers["Format?"].IsMulti())
	assert.Equal(t, "PDF", payload.Answers["Format?"].Single)
	assert.Equal(t, []string{"Intro", "Summary"}, payload.Answers["Sections?"].Multi)

	out, err := json.Marshal(payload.Answers["Sections?"])
	require.NoError(t, err)
	assert.JSONEq(t, `["Intro","Summary"]`, string(out))
}
