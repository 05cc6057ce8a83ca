package workspace

import "errors"

var (
	// ErrNotFound is returned when a session has no workspace on disk.
	ErrNotFound = errors.New("workspace not found")
	// ErrExists is returned by Create for an existing workspace.
	ErrExists = errors.New("workspace already exists")
	// ErrInvalidSessionID is returned for ids unusable as directory names.
	ErrInvalidSessionID = errors.New("invalid session id")
	// ErrFileTooLarge is returned when an upload exceeds the per-file limit.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidFilename is returned for empty, hidden or path-like names.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrInvalidSource is returned for an unknown file source.
	ErrInvalidSource = errors.New("invalid file source")
	// ErrRegistryLimit is returned when the file count or total storage
	// limit would be exceeded.
	ErrRegistryLimit = errors.New("file registry limit exceeded")
	// ErrInvalidState is returned for unknown states and disallowed
	// transitions.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidRole is returned for an unknown message role.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrInvalidDisplayName is returned for an empty or oversized name.
	ErrInvalidDisplayName = errors.New("invalid display name")
	// ErrAliasExhausted is returned when no free alias name was found.
	ErrAliasExhausted = errors.New("no free alias name")
	// ErrArchived is returned when mutating an archived workspace.
	ErrArchived = errors.New("workspace is archived")
	// ErrDeleted is returned when using a workspace after Delete.
	ErrDeleted = errors.New("workspace deleted")
)
