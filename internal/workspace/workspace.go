// Package workspace stores per-session state on disk: the message history,
// uploaded files and lifecycle metadata.
package workspace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/deskmate/internal/domain"
	"github.com/ashureev/deskmate/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"
)

const maxDisplayNameLength = 200

// Limits bound the files a workspace may hold.
type Limits struct {
	MaxFiles     int
	MaxFileSize  int64
	MaxTotalSize int64
}

// DefaultLimits returns the default workspace limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFiles:     100,
		MaxFileSize:  50 << 20,
		MaxTotalSize: 500 << 20,
	}
}

// UploadResult is the outcome of UploadFile.
type UploadResult struct {
	File FileEntry `json:"file"`
	// Deduplicated is set when identical content was already stored and no
	// new file was written.
	Deduplicated bool `json:"deduplicated"`
}

// Workspace is the durable state of one session. All mutations are
// serialized by a single mutex.
type Workspace struct {
	id        string
	dir       string
	aliasRoot string
	limits    Limits
	logger    *slog.Logger

	mu       sync.Mutex
	meta     Metadata
	registry FileRegistry
	deleted  bool
}

// ID returns the session id.
func (w *Workspace) ID() string { return w.id }

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// SaveMessage appends a record to the history log and bumps the message
// counter. A zero ts means now.
func (w *Workspace) SaveMessage(role, content string, ts time.Time) (domain.StoredMessage, error) {
	switch role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
	default:
		return domain.StoredMessage{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	msg := domain.StoredMessage{Role: role, Content: content, Timestamp: ts}
	line, err := json.Marshal(msg)
	if err != nil {
		return domain.StoredMessage{}, fmt.Errorf("encode message: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writableLocked(); err != nil {
		return domain.StoredMessage{}, err
	}

	f, err := os.OpenFile(filepath.Join(w.dir, historyFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.StoredMessage{}, fmt.Errorf("open history: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return domain.StoredMessage{}, fmt.Errorf("append history: %w", err)
	}
	if err := f.Close(); err != nil {
		return domain.StoredMessage{}, fmt.Errorf("close history: %w", err)
	}

	w.meta.MessageCount++
	w.meta.LastActivity = ts
	w.persistMetaLocked()
	return msg, nil
}

// Messages reads back the history log.
func (w *Workspace) Messages() ([]domain.StoredMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.deleted {
		return nil, ErrDeleted
	}
	return readHistory(filepath.Join(w.dir, historyFile))
}

// UploadFile streams r into the workspace. Content is hashed while it is
// written to a temporary file, outside the workspace lock; only the registry
// update is serialized. Identical content is stored once.
func (w *Workspace) UploadFile(ctx context.Context, filename string, r io.Reader, declaredSize int64, source Source) (UploadResult, error) {
	if err := ValidateFilename(filename); err != nil {
		return UploadResult{}, err
	}
	if source == "" {
		source = SourceUpload
	}
	if _, err := ParseSource(string(source)); err != nil {
		return UploadResult{}, err
	}
	maxSize := w.limits.MaxFileSize
	if declaredSize > maxSize {
		return UploadResult{}, fmt.Errorf("%w: %s declared, limit is %s",
			ErrFileTooLarge, humanize.IBytes(uint64(declaredSize)), humanize.IBytes(uint64(maxSize)))
	}

	w.mu.Lock()
	err := w.writableLocked()
	w.mu.Unlock()
	if err != nil {
		return UploadResult{}, err
	}

	tmp, err := os.CreateTemp(filepath.Join(w.dir, tmpDir), "upload-*")
	if err != nil {
		return UploadResult{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(contextReader{ctx: ctx, r: r}, maxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return UploadResult{}, fmt.Errorf("receive %s: %w", filename, err)
	}
	if n > maxSize {
		return UploadResult{}, fmt.Errorf("%w: more than %s received", ErrFileTooLarge, humanize.IBytes(uint64(maxSize)))
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	mime, err := mimetype.DetectFile(tmpName)
	if err != nil {
		w.logger.Debug("MIME detection failed", "file", filename, "error", err)
		mime = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writableLocked(); err != nil {
		return UploadResult{}, err
	}
	if existing, ok := w.registry.byHash(hash); ok {
		w.logger.Info("Upload deduplicated", "file", filename, "ref", existing.Ref)
		return UploadResult{File: existing, Deduplicated: true}, nil
	}
	if len(w.registry.Files) >= w.limits.MaxFiles {
		return UploadResult{}, fmt.Errorf("%w: at most %d files", ErrRegistryLimit, w.limits.MaxFiles)
	}
	if total := w.registry.totalSize() + n; total > w.limits.MaxTotalSize {
		return UploadResult{}, fmt.Errorf("%w: %s would exceed storage limit of %s",
			ErrRegistryLimit, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(w.limits.MaxTotalSize)))
	}

	ref := w.registry.uniqueRef(filename)
	rel := filepath.Join(filesDir, ref)
	dst := filepath.Join(w.dir, rel)
	if err := os.Rename(tmpName, dst); err != nil {
		return UploadResult{}, fmt.Errorf("store %s: %w", ref, err)
	}
	committed = true

	entry := FileEntry{
		Ref:        ref,
		Source:     source,
		Path:       rel,
		Size:       n,
		Type:       classify(mime, filename),
		Hash:       hash,
		UploadedAt: time.Now().UTC(),
	}
	if mime != nil {
		entry.MimeType = mime.String()
	}

	w.registry.Files = append(w.registry.Files, entry)
	if err := w.persistRegistryLocked(); err != nil {
		w.registry.Files = w.registry.Files[:len(w.registry.Files)-1]
		_ = os.Remove(dst)
		return UploadResult{}, err
	}

	w.meta.FileCount = len(w.registry.Files)
	w.meta.TotalSize = w.registry.totalSize()
	w.meta.LastActivity = entry.UploadedAt
	w.persistMetaLocked()

	w.logger.Info("File stored", "ref", ref, "size", humanize.IBytes(uint64(n)), "type", entry.Type)
	return UploadResult{File: entry}, nil
}

// Files returns the registry in upload order.
func (w *Workspace) Files() []FileEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]FileEntry(nil), w.registry.Files...)
}

// OpenFile opens a stored file for reading.
func (w *Workspace) OpenFile(ref string) (*os.File, FileEntry, error) {
	w.mu.Lock()
	entry, ok := w.registry.byRef(ref)
	deleted := w.deleted
	w.mu.Unlock()

	if deleted {
		return nil, FileEntry{}, ErrDeleted
	}
	if !ok {
		return nil, FileEntry{}, fmt.Errorf("%w: file %q", ErrNotFound, ref)
	}
	f, err := os.Open(filepath.Join(w.dir, entry.Path))
	if err != nil {
		return nil, FileEntry{}, fmt.Errorf("open %s: %w", ref, err)
	}
	return f, entry, nil
}

// UpdateState moves the workspace to state.
func (w *Workspace) UpdateState(state domain.SessionState) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.deleted {
		return ErrDeleted
	}
	if !w.meta.State.CanTransition(state) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, w.meta.State, state)
	}
	if w.meta.State == state {
		return nil
	}
	w.logger.Info("Session state changed", "from", w.meta.State, "to", state)
	w.meta.State = state
	w.persistMetaLocked()
	return nil
}

// UpdateDisplayName sets the human-readable name and moves the alias.
func (w *Workspace) UpdateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidDisplayName, maxDisplayNameLength)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writableLocked(); err != nil {
		return err
	}

	alias, err := w.relinkAliasLocked(name)
	if err != nil {
		return err
	}
	w.meta.DisplayName = name
	w.meta.Alias = alias
	w.persistMetaLocked()
	return nil
}

// Metadata returns a copy of the metadata.
func (w *Workspace) Metadata() Metadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.meta
}

// Stats returns the index summary of the workspace.
func (w *Workspace) Stats() domain.SessionSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	return summaryOf(w.meta)
}

func summaryOf(m Metadata) domain.SessionSummary {
	return domain.SessionSummary{
		SessionID:    m.SessionID,
		DisplayName:  m.DisplayName,
		State:        m.State,
		CreatedAt:    m.CreatedAt,
		LastActivity: m.LastActivity,
		MessageCount: m.MessageCount,
		FileCount:    m.FileCount,
	}
}

// delete removes the alias and the directory. Callers go through Manager.
func (w *Workspace) delete() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.deleted {
		return nil
	}
	w.removeAliasLocked()
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.id, err)
	}
	w.deleted = true
	return nil
}

func (w *Workspace) writableLocked() error {
	if w.deleted {
		return ErrDeleted
	}
	if w.meta.State == domain.StateArchived {
		return ErrArchived
	}
	return nil
}

// persistMetaLocked writes metadata. Failures are logged; the in-memory copy
// stays authoritative and is reconciled on next load.
func (w *Workspace) persistMetaLocked() {
	if err := w.writeMetaLocked(); err != nil {
		w.logger.Error("Failed to persist workspace metadata", "error", err)
	}
}

func (w *Workspace) writeMetaLocked() error {
	data, err := json.MarshalIndent(w.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return store.WriteFileAtomic(filepath.Join(w.dir, metadataFile), data, 0o644)
}

func (w *Workspace) persistRegistryLocked() error {
	data, err := json.MarshalIndent(w.registry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode file registry: %w", err)
	}
	if err := store.WriteFileAtomic(filepath.Join(w.dir, registryFile), data, 0o644); err != nil {
		return fmt.Errorf("persist file registry: %w", err)
	}
	return nil
}

func readRegistry(dir string) (FileRegistry, error) {
	var reg FileRegistry
	data, err := os.ReadFile(filepath.Join(dir, registryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return reg, nil
	}
	if err != nil {
		return reg, fmt.Errorf("read file registry: %w", err)
	}
	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("parse file registry: %w", err)
	}
	return reg, nil
}

func readHistory(path string) ([]domain.StoredMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var out []domain.StoredMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg domain.StoredMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parse history record %d: %w", len(out)+1, err)
		}
		out = append(out, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

// countHistory counts records without decoding them.
func countHistory(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
