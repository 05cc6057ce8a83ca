package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/deskmate/internal/domain"
)

// Directory names under the manager root.
const (
	SessionsDir = "sessions"
	AliasDir    = "by-name"
)

// Manager creates, loads and deletes workspaces under one root directory.
// Each session maps to a single *Workspace so its mutex covers every caller.
type Manager struct {
	root   string
	limits Limits
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*Workspace
}

// NewManager prepares root and returns a manager for it.
func NewManager(root string, limits Limits, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{filepath.Join(root, SessionsDir), filepath.Join(root, AliasDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Manager{
		root:   root,
		limits: limits,
		logger: logger.With("component", "workspace"),
		open:   make(map[string]*Workspace),
	}, nil
}

// Root returns the manager root directory.
func (m *Manager) Root() string { return m.root }

// Create makes a new workspace in state CREATED.
func (m *Manager) Create(sessionID string) (*Workspace, error) {
	if !domain.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(sessionID)
}

func (m *Manager) createLocked(sessionID string) (*Workspace, error) {
	dir := m.sessionDir(sessionID)
	if _, ok := m.open[sessionID]; ok || hasMetadata(dir) {
		return nil, fmt.Errorf("%w: %s", ErrExists, sessionID)
	}
	for _, sub := range []string{filesDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", sessionID, err)
		}
	}

	now := time.Now().UTC()
	w := m.newWorkspace(sessionID, Metadata{
		Version:      MetadataVersion,
		SessionID:    sessionID,
		State:        domain.StateCreated,
		CreatedAt:    now,
		LastActivity: now,
	}, FileRegistry{})
	if err := w.writeMetaLocked(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create workspace %s: %w", sessionID, err)
	}
	m.open[sessionID] = w
	m.logger.Info("Workspace created", "session_id", sessionID)
	return w, nil
}

// Load returns the workspace for sessionID, or ErrNotFound.
func (m *Manager) Load(sessionID string) (*Workspace, error) {
	if !domain.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(sessionID)
}

func (m *Manager) loadLocked(sessionID string) (*Workspace, error) {
	if w, ok := m.open[sessionID]; ok {
		if hasMetadata(w.dir) {
			return w, nil
		}
		// Removed behind our back; whatever is on disk now wins.
		delete(m.open, sessionID)
		w.logger.Warn("Cached workspace vanished from disk, dropping it")
	}

	dir := m.sessionDir(sessionID)
	meta, migrated, err := readMetadata(dir, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("load workspace %s: %w", sessionID, err)
	}
	reg, err := readRegistry(dir)
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", sessionID, err)
	}
	for _, sub := range []string{filesDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("load workspace %s: %w", sessionID, err)
		}
	}

	w := m.newWorkspace(sessionID, meta, reg)
	dirty := migrated
	if m.reconcile(w) {
		dirty = true
	}
	if dirty {
		if err := w.writeMetaLocked(); err != nil {
			w.logger.Error("Failed to persist reconciled metadata", "error", err)
		}
	}
	if migrated {
		if err := os.Remove(filepath.Join(dir, legacyMetadataFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("Failed to remove legacy metadata", "error", err)
		}
		w.logger.Info("Migrated workspace metadata", "version", MetadataVersion)
	}
	m.cleanTemp(w)

	m.open[sessionID] = w
	return w, nil
}

// reconcile makes the counters agree with the history log and the registry.
// The log and the registry win.
func (m *Manager) reconcile(w *Workspace) bool {
	changed := false
	n, err := countHistory(filepath.Join(w.dir, historyFile))
	if err != nil {
		w.logger.Warn("Failed to count history", "error", err)
	} else if n != w.meta.MessageCount {
		w.logger.Warn("Message count out of sync with history, using history",
			"metadata", w.meta.MessageCount, "history", n)
		w.meta.MessageCount = n
		changed = true
	}
	if files := len(w.registry.Files); files != w.meta.FileCount {
		w.meta.FileCount = files
		changed = true
	}
	if total := w.registry.totalSize(); total != w.meta.TotalSize {
		w.meta.TotalSize = total
		changed = true
	}
	return changed
}

// cleanTemp removes uploads abandoned by a crash.
func (m *Manager) cleanTemp(w *Workspace) {
	dir := filepath.Join(w.dir, tmpDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			w.logger.Debug("Failed to remove stale upload", "file", e.Name(), "error", err)
		}
	}
}

// Open loads the workspace for sessionID, creating it if it does not exist.
// created reports which happened.
func (m *Manager) Open(sessionID string) (w *Workspace, created bool, err error) {
	if !domain.ValidSessionID(sessionID) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, err = m.loadLocked(sessionID)
	if err == nil {
		return w, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	w, err = m.createLocked(sessionID)
	return w, err == nil, err
}

// Delete removes the workspace and its alias. It is irreversible.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, err := m.loadLocked(sessionID)
	if err != nil {
		return err
	}
	if err := w.delete(); err != nil {
		return err
	}
	delete(m.open, sessionID)
	m.logger.Info("Workspace deleted", "session_id", sessionID)
	return nil
}

// SessionIDs lists the sessions that have a workspace on disk, sorted.
func (m *Manager) SessionIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, SessionsDir))
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || !domain.ValidSessionID(e.Name()) {
			continue
		}
		if hasMetadata(filepath.Join(m.root, SessionsDir, e.Name())) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Summary returns the index summary of a workspace. A workspace that was not
// already cached is read without being kept, so index rebuilds do not pin
// every session in memory.
func (m *Manager) Summary(sessionID string) (domain.SessionSummary, error) {
	if !domain.ValidSessionID(sessionID) {
		return domain.SessionSummary{}, fmt.Errorf("%w: %q", ErrInvalidSessionID, sessionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, cached := m.open[sessionID]
	w, err := m.loadLocked(sessionID)
	if err != nil {
		return domain.SessionSummary{}, err
	}
	if !cached {
		delete(m.open, sessionID)
	}
	return w.Stats(), nil
}

// Cached reports how many workspaces are held in memory.
func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Forget drops a cached workspace so the next Load reads it from disk.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.open, sessionID)
	m.mu.Unlock()
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.root, SessionsDir, sessionID)
}

func (m *Manager) newWorkspace(sessionID string, meta Metadata, reg FileRegistry) *Workspace {
	return &Workspace{
		id:        sessionID,
		dir:       m.sessionDir(sessionID),
		aliasRoot: filepath.Join(m.root, AliasDir),
		limits:    m.limits,
		logger:    m.logger.With("session_id", sessionID),
		meta:      meta,
		registry:  reg,
	}
}
