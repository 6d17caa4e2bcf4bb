package dest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/log"
)

// LocalProbe walks a file or directory tree on a local or mounted filesystem.
// Directory modification times count: creating a file in a directory is activity.
type LocalProbe struct {
	excludes gitignore.Matcher
	now      func() time.Time
}

// NewLocalProbe creates a probe ignoring paths that match the gitignore-style patterns.
func NewLocalProbe(excludes []string) *LocalProbe {
	patterns := make([]gitignore.Pattern, 0, len(excludes))
	for _, e := range excludes {
		e = strings.TrimSpace(e)
		if e == "" || strings.HasPrefix(e, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(e, nil))
	}
	return &LocalProbe{
		excludes: gitignore.NewMatcher(patterns),
		now:      time.Now,
	}
}

// LastChange stops at the first entry modified within threshold. A missing
// destination has no recent activity.
func (p *LocalProbe) LastChange(ctx context.Context, item activity.Item, threshold time.Duration) (time.Time, bool, error) {
	root := item.Key
	cutoff := p.now().Add(-threshold)

	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return info.ModTime(), info.ModTime().After(cutoff), nil
	}

	var (
		newest time.Time
		found  bool
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return walkError(root, path, d, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && p.excluded(root, path, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return walkError(root, path, d, err)
		}
		mt := fi.ModTime()
		if mt.After(newest) {
			newest = mt
		}
		if mt.After(cutoff) {
			found = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("walking %s: %w", root, err)
	}
	return newest, found, nil
}

// walkError decides what a failure on one walked entry does to the probe.
// Only a failure on the root fails it; unreadable entries below the root are
// skipped so that one locked subdirectory does not blind the probe.
func walkError(root, path string, d fs.DirEntry, err error) error {
	// Entries vanish mid-walk when tools rename temp files into place.
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if path == root || d == nil {
		return err
	}
	log.Debug("skipping unreadable entry", "path", path, "error", err)
	if d.IsDir() {
		return filepath.SkipDir
	}
	return nil
}

func (p *LocalProbe) excluded(root, path string, isDir bool) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return p.excludes.Match(strings.Split(filepath.ToSlash(rel), "/"), isDir)
}
