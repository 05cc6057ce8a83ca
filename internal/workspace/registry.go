package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
)

// Source records where an uploaded file came from.
type Source string

const (
	SourceUpload   Source = "UPLOAD"
	SourceOneDrive Source = "ONEDRIVE"
	SourceDropbox  Source = "DROPBOX"
	SourceGDrive   Source = "GDRIVE"
)

// ParseSource converts a user supplied string, case-insensitively. Empty
// means SourceUpload.
func ParseSource(s string) (Source, error) {
	if s == "" {
		return SourceUpload, nil
	}
	src := Source(strings.ToUpper(s))
	switch src {
	case SourceUpload, SourceOneDrive, SourceDropbox, SourceGDrive:
		return src, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSource, s)
}

// File type categories.
const (
	TypeImage    = "image"
	TypeDocument = "document"
	TypeText     = "text"
	TypeAudio    = "audio"
	TypeVideo    = "video"
	TypeArchive  = "archive"
	TypeOther    = "other"
)

// FileEntry describes one stored file.
type FileEntry struct {
	Ref        string    `json:"ref"`
	Source     Source    `json:"source"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	MimeType   string    `json:"mime_type"`
	Hash       string    `json:"hash"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// FileRegistry lists the files of a workspace in upload order.
type FileRegistry struct {
	Files []FileEntry `json:"files"`
}

func (r *FileRegistry) byHash(hash string) (FileEntry, bool) {
	for _, f := range r.Files {
		if f.Hash == hash {
			return f, true
		}
	}
	return FileEntry{}, false
}

func (r *FileRegistry) byRef(ref string) (FileEntry, bool) {
	for _, f := range r.Files {
		if f.Ref == ref {
			return f, true
		}
	}
	return FileEntry{}, false
}

func (r *FileRegistry) totalSize() int64 {
	var n int64
	for _, f := range r.Files {
		n += f.Size
	}
	return n
}

// uniqueRef returns name, or name with "-2", "-3", ... inserted before the
// extension until it does not clash with an existing ref.
func (r *FileRegistry) uniqueRef(name string) string {
	if _, taken := r.byRef(name); !taken {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d%s", base, i, ext)
		if _, taken := r.byRef(candidate); !taken {
			return candidate
		}
	}
}

const maxFilenameLength = 255

// ValidateFilename rejects names that are empty, hidden, too long, contain
// control characters or would escape the files directory.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	case len(name) > maxFilenameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, maxFilenameLength)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidFilename, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFilename, name)
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidFilename, name)
	}
	return nil
}

var extensionTypes = map[string]string{
	".md":   TypeText,
	".txt":  TypeText,
	".csv":  TypeText,
	".json": TypeText,
	".pdf":  TypeDocument,
	".doc":  TypeDocument,
	".docx": TypeDocument,
	".xls":  TypeDocument,
	".xlsx": TypeDocument,
	".ppt":  TypeDocument,
	".pptx": TypeDocument,
	".odt":  TypeDocument,
}

// classify derives a file type from detected content, falling back to the
// extension when the content is not conclusive.
func classify(mime *mimetype.MIME, name string) string {
	if mime != nil {
		for m := mime; m != nil; m = m.Parent() {
			switch {
			case strings.HasPrefix(m.String(), "image/"):
				return TypeImage
			case strings.HasPrefix(m.String(), "audio/"):
				return TypeAudio
			case strings.HasPrefix(m.String(), "video/"):
				return TypeVideo
			case m.Is("application/pdf"),
				m.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document"),
				m.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"),
				m.Is("application/vnd.openxmlformats-officedocument.presentationml.presentation"),
				m.Is("application/vnd.oasis.opendocument.text"):
				return TypeDocument
			case m.Is("application/zip"), m.Is("application/gzip"), m.Is("application/x-tar"),
				m.Is("application/x-7z-compressed"):
				if t, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
					return t
				}
				return TypeArchive
			}
		}
	}
	if t, ok := extensionTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	if mime != nil && strings.HasPrefix(mime.String(), "text/") {
		return TypeText
	}
	return TypeOther
}
