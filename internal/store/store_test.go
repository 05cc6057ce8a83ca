package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/deskmate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *Snapshot {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return &Snapshot{
		Version: 2,
		Sessions: map[string]domain.SessionSummary{
			"a": {
				SessionID:    "a",
				DisplayName:  "Trip planning",
				State:        domain.StateAutoNamed,
				CreatedAt:    created,
				LastActivity: created.Add(90 * time.Minute),
				MessageCount: 4,
				FileCount:    1,
			},
			"b": {
				SessionID:    "b",
				State:        domain.StateCreated,
				CreatedAt:    created,
				LastActivity: created,
			},
		},
	}
}

func assertSnapshotEqual(t *testing.T, want, got *Snapshot) {
	t.Helper()
	assert.Equal(t, want.Version, got.Version)
	require.Len(t, got.Sessions, len(want.Sessions))
	for id, w := range want.Sessions {
		g, ok := got.Sessions[id]
		require.True(t, ok, "missing session %s", id)
		assert.Equal(t, w.DisplayName, g.DisplayName)
		assert.Equal(t, w.State, g.State)
		assert.Equal(t, w.MessageCount, g.MessageCount)
		assert.Equal(t, w.FileCount, g.FileCount)
		assert.True(t, w.CreatedAt.Equal(g.CreatedAt), "created_at %s != %s", w.CreatedAt, g.CreatedAt)
		assert.True(t, w.LastActivity.Equal(g.LastActivity), "last_activity %s != %s", w.LastActivity, g.LastActivity)
	}
}

func TestJSONFile_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewJSONFile(filepath.Join(t.TempDir(), "nested", "index.json"))

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	want := sampleSnapshot()
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assertSnapshotEqual(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestJSONFile_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewJSONFile(path).Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(ctx))

	_, err = s.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	want := sampleSnapshot()
	require.NoError(t, s.Save(ctx, want))
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assertSnapshotEqual(t, want, got)

	// Save replaces rather than merges.
	delete(want.Sessions, "a")
	want.Version = 3
	require.NoError(t, s.Save(ctx, want))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assertSnapshotEqual(t, want, got)
}

func TestWriteFileAtomic_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
