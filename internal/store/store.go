// Package store persists the session index.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/deskmate/internal/domain"
)

// ErrNotFound is returned by Load when nothing has been persisted yet.
var ErrNotFound = errors.New("index snapshot not found")

// Snapshot is the persisted form of the session index.
type Snapshot struct {
	Version  int                              `json:"version"`
	Sessions map[string]domain.SessionSummary `json:"sessions"`
}

// IndexStore loads and saves index snapshots.
type IndexStore interface {
	// Load returns the last saved snapshot, or ErrNotFound.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the persisted snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	// Close releases resources.
	Close() error
}
