package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionState(t *testing.T) {
	state, err := ParseSessionState("FINALIZED")
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, state)

	_, err = ParseSessionState("finalized")
	assert.Error(t, err)
}

func TestSessionState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionState
		ok       bool
	}{
		{StateCreated, StateAutoNamed, true},
		{StateCreated, StateFinalized, true},
		{StateAutoNamed, StateFinalized, true},
		{StateFinalized, StateFinalized, true},
		{StateFinalized, StateArchived, true},
		{StateCreated, StateArchived, true},
		{StateAutoNamed, StateCreated, false},
		{StateFinalized, StateAutoNamed, false},
		{StateArchived, StateCreated, false},
		{StateArchived, StateArchived, true},
		{StateCreated, SessionState("DELETED"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID("3f2b8c1e-9d4a-4c55-8a6e-0b7d2f1e9a10"))
	assert.True(t, ValidSessionID("session_1"))
	assert.False(t, ValidSessionID(""))
	assert.False(t, ValidSessionID("../etc"))
	assert.False(t, ValidSessionID("-leading-dash"))
	assert.False(t, ValidSessionID("has space"))
}
