package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	maxAliasAttempts   = 10
	maxAliasNameLength = 48
	aliasTimeLayout    = "20060102-150405"
)

// relinkAliasLocked links an alias for name and then drops the previous one,
// returning the new alias file name. Aliases are named
// {timestamp}__{sanitized-name}__{shortId}; a clash gets a numeric suffix.
// On error the previous alias is left in place.
func (w *Workspace) relinkAliasLocked(name string) (string, error) {
	target, err := filepath.Rel(w.aliasRoot, w.dir)
	if err != nil {
		target = w.dir
	}
	stem := sanitizeAliasName(name)
	prefix := w.meta.CreatedAt.UTC().Format(aliasTimeLayout)

	for attempt := 1; attempt <= maxAliasAttempts; attempt++ {
		label := stem
		if attempt > 1 {
			label = fmt.Sprintf("%s-%d", stem, attempt)
		}
		alias := fmt.Sprintf("%s__%s__%s", prefix, label, shortID(w.id))
		if alias == w.meta.Alias {
			return alias, nil
		}

		err := os.Symlink(target, filepath.Join(w.aliasRoot, alias))
		if err == nil {
			w.removeAliasLocked()
			return alias, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create alias %s: %w", alias, err)
		}
		w.logger.Debug("Alias name taken", "alias", alias, "attempt", attempt)
	}
	return "", fmt.Errorf("%w: %d attempts for %q", ErrAliasExhausted, maxAliasAttempts, name)
}

func (w *Workspace) removeAliasLocked() {
	if w.meta.Alias == "" {
		return
	}
	err := os.Remove(filepath.Join(w.aliasRoot, w.meta.Alias))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("Failed to remove alias", "alias", w.meta.Alias, "error", err)
	}
	w.meta.Alias = ""
}

// sanitizeAliasName keeps letters and digits, folds everything else into
// single dashes and lowercases the result.
func sanitizeAliasName(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxAliasNameLength {
		out = strings.TrimRight(truncateRunes(out, maxAliasNameLength), "-")
	}
	if out == "" {
		return "untitled"
	}
	return out
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
