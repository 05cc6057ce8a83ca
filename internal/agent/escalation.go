package agent

import (
	"fmt"
	"sync"
)

// DefaultEscalationThreshold is the number of consecutive failures that
// triggers an escalation.
const DefaultEscalationThreshold = 3

// defaultMaxLevel applies when no tiers are configured.
const defaultMaxLevel = 3

// EscalationConfig configures an EscalationTracker.
type EscalationConfig struct {
	Threshold int
	// Tiers are model names ordered from cheapest to most capable. Level n
	// selects Tiers[n-1].
	Tiers        []string
	MaxLevel     int
	AutoEscalate bool
	// StartLevel defaults to 1.
	StartLevel int
}

// EscalationTracker moves a session to a more capable model tier after
// repeated turn failures. Levels are 1-based.
type EscalationTracker struct {
	mu        sync.Mutex
	threshold int
	tiers     []string
	maxLevel  int
	auto      bool
	level     int
	failures  int
}

// NewEscalationTracker creates a tracker at cfg.StartLevel.
func NewEscalationTracker(cfg EscalationConfig) *EscalationTracker {
	t := &EscalationTracker{
		threshold: cfg.Threshold,
		tiers:     append([]string(nil), cfg.Tiers...),
		maxLevel:  cfg.MaxLevel,
		auto:      cfg.AutoEscalate,
		level:     cfg.StartLevel,
	}
	if t.threshold <= 0 {
		t.threshold = DefaultEscalationThreshold
	}
	if t.maxLevel <= 0 {
		t.maxLevel = defaultMaxLevel
		if len(t.tiers) > 0 {
			t.maxLevel = len(t.tiers)
		}
	}
	if t.level < 1 {
		t.level = 1
	}
	if t.level > t.maxLevel {
		t.level = t.maxLevel
	}
	return t
}

// OnSuccess records a successful turn.
func (t *EscalationTracker) OnSuccess() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
}

// OnFailure records a failed turn and returns the model to switch to, a
// notice for the user and the resulting level. model and notice are empty
// unless a configured tier was selected.
func (t *EscalationTracker) OnFailure() (model, notice string, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	if t.failures < t.threshold || t.level >= t.maxLevel {
		return "", "", t.level
	}

	failures := t.failures
	t.failures = 0
	if !t.auto {
		if next := t.tierLocked(t.level + 1); next != "" {
			notice = fmt.Sprintf("%d consecutive failures; consider switching to %s", failures, next)
		}
		return "", notice, t.level
	}

	t.level++
	model = t.tierLocked(t.level)
	if model != "" {
		notice = fmt.Sprintf("Switched to %s after %d consecutive failures", model, failures)
	}
	return model, notice, t.level
}

// SetLevel moves to level, clamped to the valid range, and returns the
// model for it.
func (t *EscalationTracker) SetLevel(level int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	level = max(1, min(level, t.maxLevel))
	if level != t.level {
		t.level = level
		t.failures = 0
	}
	return t.tierLocked(t.level)
}

// Level returns the current level.
func (t *EscalationTracker) Level() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// ConsecutiveFailures returns the failures recorded since the last success
// or level change.
func (t *EscalationTracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Model returns the tier for the current level, or "" without tiers.
func (t *EscalationTracker) Model() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tierLocked(t.level)
}

func (t *EscalationTracker) tierLocked(level int) string {
	if level < 1 || level > len(t.tiers) {
		return ""
	}
	return t.tiers[level-1]
}
