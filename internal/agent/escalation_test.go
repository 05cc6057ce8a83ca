package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscalationTracker_ThreeFailuresWithoutTiers(t *testing.T) {
	tr := NewEscalationTracker(EscalationConfig{AutoEscalate: true})

	model, notice, level := tr.OnFailure()
	assert.Equal(t, "", model)
	assert.Equal(t, 1, level)
	_, _, _ = tr.OnFailure()

	model, notice, level = tr.OnFailure()
	assert.Equal(t, "", model)
	assert.Equal(t, "", notice)
	assert.Equal(t, 2, level)
	assert.Equal(t, 0, tr.ConsecutiveFailures())
}

func TestEscalationTracker_SuccessResetsCounter(t *testing.T) {
	tr := NewEscalationTracker(EscalationConfig{AutoEscalate: true})

	tr.OnFailure()
	tr.OnSuccess()
	tr.OnFailure()
	_, _, level := tr.OnFailure()

	assert.Equal(t, 1, level)
	assert.Equal(t, 2, tr.ConsecutiveFailures())
}

func TestEscalationTracker_SelectsTier(t *testing.T) {
	tr := NewEscalationTracker(EscalationConfig{
		Threshold:    2,
		Tiers:        []string{"small", "medium", "large"},
		AutoEscalate: true,
	})
	assert.Equal(t, "small", tr.Model())

	tr.OnFailure()
	model, notice, level := tr.OnFailure()
	assert.Equal(t, "medium", model)
	assert.Contains(t, notice, "medium")
	assert.Equal(t, 2, level)

	tr.OnFailure()
	model, _, level = tr.OnFailure()
	assert.Equal(t, "large", model)
	assert.Equal(t, 3, level)

	// Already at the top tier.
	tr.OnFailure()
	model, _, level = tr.OnFailure()
	assert.Equal(t, "", model)
	assert.Equal(t, 3, level)
}

func TestEscalationTracker_ManualModeOnlyNotifies(t *testing.T) {
	tr := NewEscalationTracker(EscalationConfig{
		Threshold: 1,
		Tiers:     []string{"small", "large"},
	})

	model, notice, level := tr.OnFailure()
	assert.Equal(t, "", model)
	assert.Contains(t, notice, "large")
	assert.Equal(t, 1, level)
	assert.Equal(t, 0, tr.ConsecutiveFailures())
}

func TestEscalationTracker_SetLevelResetsCounter(t *testing.T) {
	tr := NewEscalationTracker(EscalationConfig{Tiers: []string{"a", "b"}, AutoEscalate: true})
	tr.OnFailure()
	tr.OnFailure()

	assert.Equal(t, "b", tr.SetLevel(5))
	assert.Equal(t, 2, tr.Level())
	assert.Equal(t, 0, tr.ConsecutiveFailures())

	assert.Equal(t, "a", tr.SetLevel(0))
	assert.Equal(t, 1, tr.Level())
}
