package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/deskmate/internal/domain"
)

// MetadataVersion is the schema version written by this package.
const MetadataVersion = 2

const (
	metadataFile       = "metadata.json"
	legacyMetadataFile = "session.json"
	historyFile        = "history.ndjson"
	registryFile       = "files.json"
	filesDir           = "files"
	tmpDir             = ".tmp"
)

// Metadata is the per-workspace metadata document.
type Metadata struct {
	Version      int                 `json:"version"`
	SessionID    string              `json:"session_id"`
	DisplayName  string              `json:"display_name"`
	State        domain.SessionState `json:"state"`
	MessageCount int                 `json:"message_count"`
	FileCount    int                 `json:"file_count"`
	TotalSize    int64               `json:"total_size"`
	Alias        string              `json:"alias,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity"`
}

// legacyMetadata is the version 1 document, stored as session.json.
type legacyMetadata struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	MessageCount int       `json:"messageCount"`
	FileCount    int       `json:"fileCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

func (l legacyMetadata) upgrade(sessionID string) Metadata {
	state := domain.SessionState(l.Status)
	if !state.Valid() {
		state = domain.StateCreated
		if l.Name != "" {
			state = domain.StateAutoNamed
		}
	}
	last := l.Updated
	if last.IsZero() {
		last = l.Created
	}
	return Metadata{
		Version:      MetadataVersion,
		SessionID:    sessionID,
		DisplayName:  l.Name,
		State:        state,
		MessageCount: l.MessageCount,
		FileCount:    l.FileCount,
		CreatedAt:    l.Created,
		LastActivity: last,
	}
}

// readMetadata loads the metadata of the workspace in dir, upgrading older
// schemas. migrated reports whether the caller should write it back.
func readMetadata(dir, sessionID string) (meta Metadata, migrated bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			return Metadata{}, false, fmt.Errorf("parse %s: %w", metadataFile, err)
		}
		if meta.Version > MetadataVersion {
			return Metadata{}, false, fmt.Errorf("metadata version %d is newer than supported %d", meta.Version, MetadataVersion)
		}
		if meta.Version < MetadataVersion {
			meta.Version = MetadataVersion
			migrated = true
		}
		if meta.SessionID == "" {
			meta.SessionID = sessionID
			migrated = true
		}
		if !meta.State.Valid() {
			return Metadata{}, false, fmt.Errorf("%w: %q in %s", ErrInvalidState, meta.State, metadataFile)
		}
		return meta, migrated, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, false, fmt.Errorf("read %s: %w", metadataFile, err)
	}

	data, err = os.ReadFile(filepath.Join(dir, legacyMetadataFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, false, ErrNotFound
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("read %s: %w", legacyMetadataFile, err)
	}
	var legacy legacyMetadata
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Metadata{}, false, fmt.Errorf("parse %s: %w", legacyMetadataFile, err)
	}
	return legacy.upgrade(sessionID), true, nil
}

// hasMetadata reports whether dir looks like a workspace.
func hasMetadata(dir string) bool {
	for _, name := range []string{metadataFile, legacyMetadataFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
