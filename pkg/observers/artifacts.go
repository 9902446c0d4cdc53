package observers

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	timelineSuffix = ".timeline.jsonl"
	usageSuffix    = ".usage.json"
)

// Artifacts lays out the per-session files kept under one directory. The
// zero value is disabled.
type Artifacts struct {
	Dir string
}

func (a Artifacts) Enabled() bool {
	return strings.TrimSpace(a.Dir) != ""
}

func (a Artifacts) TimelinePath(sessionID string) string {
	return a.path(sessionID, timelineSuffix)
}

func (a Artifacts) UsagePath(sessionID string) string {
	return a.path(sessionID, usageSuffix)
}

func (a Artifacts) path(sessionID, suffix string) string {
	safe := sanitizeID(sessionID)
	if !a.Enabled() || safe == "" {
		return ""
	}
	return filepath.Join(a.Dir, safe+suffix)
}

func (a Artifacts) ensureDir() error {
	return os.MkdirAll(a.Dir, 0o755)
}

// Purge deletes timeline and usage files last written before cutoff and
// returns how many went. Anything else in the directory is left alone.
func (a Artifacts) Purge(cutoff time.Time) (int, error) {
	if !a.Enabled() {
		return 0, nil
	}
	entries, err := os.ReadDir(a.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var removed int
	var errs error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isArtifact(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.Dir, name)); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func isArtifact(name string) bool {
	return strings.HasSuffix(name, timelineSuffix) || strings.HasSuffix(name, usageSuffix)
}

// sanitizeID keeps session ids usable as file names.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
