// Package sanitize turns attachment names and message identifiers into safe,
// deterministic file names.
package sanitize

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// MaxLen keeps names well below the 255 byte limit of common filesystems
	// after a collision suffix is added.
	MaxLen = 200

	maxExtLen = 16
	fallback  = "nameless"
)

// Name maps s onto [A-Za-z0-9._-]. Path separators and ".." never survive.
func Name(s string) string {
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "")
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if allowed(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), "._-")
	out = strings.TrimRight(out, ".")
	if out == "" {
		return fallback
	}
	return truncate(out, MaxLen)
}

// Stem returns the sanitized name without its extension.
func Stem(s string) string {
	name := Name(s)
	ext := filepath.Ext(name)
	if ext == "" || ext == name {
		return name
	}
	stem := strings.TrimRight(strings.TrimSuffix(name, ext), ".")
	if stem == "" {
		return fallback
	}
	return stem
}

// Join places a sanitized name inside dir and refuses anything that would
// resolve outside of it.
func Join(dir, name string) (string, error) {
	clean := Name(name)
	path := filepath.Join(dir, clean)
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", name, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.ContainsRune(rel, filepath.Separator) {
		return "", fmt.Errorf("name %q escapes %s", name, dir)
	}
	return path, nil
}

// Namer hands out names that are unique within one message's output set.
// It is not safe for concurrent use; each message gets its own Namer.
type Namer struct {
	used map[string]struct{}
}

func NewNamer() *Namer {
	return &Namer{used: make(map[string]struct{})}
}

// Reserve sanitizes candidate and appends -1, -2, ... before the extension
// until the name is unused. Uniqueness is case-insensitive.
func (n *Namer) Reserve(candidate string) string {
	base := Name(candidate)
	if n.claim(base) {
		return base
	}
	for i := 1; ; i++ {
		name := withSuffix(base, i)
		if n.claim(name) {
			return name
		}
	}
}

func (n *Namer) claim(name string) bool {
	key := strings.ToLower(name)
	if _, taken := n.used[key]; taken {
		return false
	}
	n.used[key] = struct{}{}
	return true
}

func withSuffix(name string, i int) string {
	suffix := "-" + strconv.Itoa(i)
	ext := extOf(name)
	stem := strings.TrimSuffix(name, ext)
	if room := MaxLen - len(ext) - len(suffix); len(stem) > room {
		stem = stem[:room]
	}
	return stem + suffix + ext
}

func truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := extOf(name)
	stem := strings.TrimRight(name[:limit-len(ext)], ".")
	return stem + ext
}

func extOf(name string) string {
	ext := filepath.Ext(name)
	if ext == name || len(ext) > maxExtLen {
		return ""
	}
	return ext
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_':
		return true
	}
	return false
}
