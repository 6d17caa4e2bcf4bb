package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const dayLayout = "2006-01-02"

// DailyFile is an io.Writer that appends to dir/YYYY-MM-DD.jsonl, switching
// files when the date changes and keeping dir/latest pointed at the current one.
type DailyFile struct {
	dir string

	mu  sync.Mutex
	f   *os.File
	day string
	now func() time.Time
}

// OpenDailyFile creates dir if needed and opens today's file.
func OpenDailyFile(dir string) (*DailyFile, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}
	df := &DailyFile{dir: dir, now: time.Now}

	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.openDay(df.now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return df, nil
}

func (df *DailyFile) Write(p []byte) (int, error) {
	df.mu.Lock()
	defer df.mu.Unlock()

	if day := df.now().Format(dayLayout); day != df.day {
		if err := df.openDay(day); err != nil {
			return 0, err
		}
	}
	return df.f.Write(p)
}

// Close closes the current file.
func (df *DailyFile) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if df.f == nil {
		return nil
	}
	err := df.f.Close()
	df.f = nil
	return err
}

// openDay must be called with mu held.
func (df *DailyFile) openDay(day string) error {
	name := day + ".jsonl"
	f, err := os.OpenFile(filepath.Join(df.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	if df.f != nil {
		df.f.Close()
	}
	df.f = f
	df.day = day
	df.pointLatest(name)
	return nil
}

// pointLatest swaps the latest symlink via rename so readers never see it missing.
// Failures are ignored; the symlink is a convenience.
func (df *DailyFile) pointLatest(name string) {
	link := filepath.Join(df.dir, "latest")
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(name, tmp); err != nil {
		return
	}
	_ = os.Rename(tmp, link)
}

var dailyName = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.jsonl$`)

// Prune deletes daily files in dir older than keepDays and returns how many it removed.
func Prune(dir string, keepDays int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !dailyName.MatchString(e.Name()) {
			continue
		}
		day, err := time.Parse(dayLayout, e.Name()[:len(dayLayout)])
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}
