// Package index keeps an in-memory summary of every workspace for fast
// listing and search, written through to an IndexStore.
package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/store"
)

// SchemaVersion is bumped whenever SessionSummary changes shape. A persisted
// index with another version is rebuilt from the workspaces.
const SchemaVersion = 1

// ErrInconsistent reports that the index and the workspaces on disk differ.
var ErrInconsistent = errors.New("session index inconsistent")

// Source enumerates workspaces on disk. *workspace.Manager implements it.
type Source interface {
	SessionIDs() ([]string, error)
	Summary(sessionID string) (domain.SessionSummary, error)
}

// Index is the in-memory session index. It is the source of truth for the
// running process; the store is a crash-recovery copy.
type Index struct {
	store  store.IndexStore
	source Source
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]domain.SessionSummary
}

// New loads the persisted index, rebuilding it from src when it is missing,
// unreadable or of another schema version.
func New(ctx context.Context, st store.IndexStore, src Source, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{
		store:    st,
		source:   src,
		logger:   logger.With("component", "session_index"),
		sessions: make(map[string]domain.SessionSummary),
	}

	snap, err := st.Load(ctx)
	switch {
	case err == nil && snap.Version == SchemaVersion:
		ix.sessions = snap.Sessions
		ix.logger.Info("Session index loaded", "sessions", len(ix.sessions))
		return ix, nil
	case err == nil:
		ix.logger.Info("Session index version changed, rebuilding", "found", snap.Version, "want", SchemaVersion)
	case errors.Is(err, store.ErrNotFound):
		ix.logger.Info("No session index found, rebuilding")
	default:
		ix.logger.Warn("Session index unreadable, rebuilding", "error", err)
	}

	if _, err := ix.Rebuild(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

// Rebuild replaces the index with summaries derived from every workspace.
// Workspaces that fail to load are logged and skipped.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	ids, err := ix.source.SessionIDs()
	if err != nil {
		return 0, fmt.Errorf("rebuild session index: %w", err)
	}

	sessions := make(map[string]domain.SessionSummary, len(ids))
	skipped := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		sum, err := ix.source.Summary(id)
		if err != nil {
			skipped++
			ix.logger.Warn("Skipping unreadable workspace", "session_id", id, "error", err)
			continue
		}
		sessions[id] = sum
	}

	ix.mu.Lock()
	ix.sessions = sessions
	ix.persistLocked(ctx)
	ix.mu.Unlock()

	ix.logger.Info("Session index rebuilt", "sessions", len(sessions), "skipped", skipped)
	return len(sessions), nil
}

// Add inserts or replaces the entry for sum.SessionID.
func (ix *Index) Add(ctx context.Context, sum domain.SessionSummary) {
	ix.Update(ctx, sum)
}

// Update inserts or replaces the entry for sum.SessionID.
func (ix *Index) Update(ctx context.Context, sum domain.SessionSummary) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.sessions[sum.SessionID] = sum
	ix.persistLocked(ctx)
}

// Remove drops the entry for sessionID, reporting whether it existed.
func (ix *Index) Remove(ctx context.Context, sessionID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.sessions[sessionID]; !ok {
		return false
	}
	delete(ix.sessions, sessionID)
	ix.persistLocked(ctx)
	return true
}

// Get returns the entry for sessionID.
func (ix *Index) Get(sessionID string) (domain.SessionSummary, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	sum, ok := ix.sessions[sessionID]
	return sum, ok
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.sessions)
}

// persistLocked writes the whole index. Failures are logged; memory is not
// rolled back.
func (ix *Index) persistLocked(ctx context.Context) {
	snap := &store.Snapshot{
		Version:  SchemaVersion,
		Sessions: maps.Clone(ix.sessions),
	}
	if err := ix.store.Save(ctx, snap); err != nil {
		ix.logger.Error("Failed to persist session index", "error", err)
	}
}

// SortField selects the List ordering.
type SortField string

const (
	SortLastActivity SortField = "last_activity"
	SortCreatedAt    SortField = "created_at"
	SortDisplayName  SortField = "display_name"
	SortMessageCount SortField = "message_count"
)

// ParseSortField validates s. Empty means SortLastActivity.
func ParseSortField(s string) (SortField, error) {
	f := SortField(strings.ToLower(s))
	switch f {
	case "":
		return SortLastActivity, nil
	case SortLastActivity, SortCreatedAt, SortDisplayName, SortMessageCount:
		return f, nil
	}
	return "", fmt.Errorf("unknown sort field %q", s)
}

// ListOptions filter, sort and paginate List.
type ListOptions struct {
	// Limit <= 0 returns everything after Offset.
	Limit  int
	Offset int
	SortBy SortField
	Desc   bool
	// State, when set, keeps only sessions in that state.
	State domain.SessionState
}

// Page is one page of List results.
type Page struct {
	Sessions []domain.SessionSummary `json:"sessions"`
	Total    int                     `json:"total"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

// List returns sessions matching opts.
func (ix *Index) List(opts ListOptions) Page {
	ix.mu.RLock()
	matched := make([]domain.SessionSummary, 0, len(ix.sessions))
	for _, sum := range ix.sessions {
		if opts.State != "" && sum.State != opts.State {
			continue
		}
		matched = append(matched, sum)
	}
	ix.mu.RUnlock()

	sortSummaries(matched, opts.SortBy, opts.Desc)

	page := Page{Total: len(matched), Limit: opts.Limit, Offset: opts.Offset}
	start := min(max(opts.Offset, 0), len(matched))
	end := len(matched)
	if opts.Limit > 0 {
		end = min(start+opts.Limit, end)
	}
	page.Sessions = matched[start:end]
	return page
}

// Search returns sessions whose display name contains query, ignoring case,
// most recent first. limit <= 0 means no limit.
func (ix *Index) Search(query string, limit int) []domain.SessionSummary {
	needle := strings.ToLower(strings.TrimSpace(query))

	ix.mu.RLock()
	var out []domain.SessionSummary
	for _, sum := range ix.sessions {
		if strings.Contains(strings.ToLower(sum.DisplayName), needle) {
			out = append(out, sum)
		}
	}
	ix.mu.RUnlock()

	sortSummaries(out, SortLastActivity, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortSummaries(list []domain.SessionSummary, field SortField, desc bool) {
	slices.SortFunc(list, func(a, b domain.SessionSummary) int {
		var c int
		switch field {
		case SortCreatedAt:
			c = a.CreatedAt.Compare(b.CreatedAt)
		case SortDisplayName:
			c = cmp.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
		case SortMessageCount:
			c = cmp.Compare(a.MessageCount, b.MessageCount)
		default:
			c = a.LastActivity.Compare(b.LastActivity)
		}
		if desc {
			c = -c
		}
		if c == 0 {
			c = cmp.Compare(a.SessionID, b.SessionID)
		}
		return c
	})
}
