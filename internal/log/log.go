// Package log is the process-wide structured logger. Warnings and errors go
// to stderr; every level goes to a daily JSON-lines debug file when a debug
// directory is configured.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

var (
	base    slog.Handler
	logger  *slog.Logger
	daily   *DailyFile
	watchID string
)

// Options configures the logger.
type Options struct {
	// Verbose sends debug and info records to stderr as well (non-interactive only).
	Verbose bool
	// JSONFormat writes stderr records as JSON instead of text.
	JSONFormat bool
	// Interactive suppresses debug and info on stderr regardless of Verbose.
	Interactive bool
	// DebugDir receives YYYY-MM-DD.jsonl files. Empty disables file logging.
	DebugDir string
	// RetentionDays prunes older debug files at startup (0 keeps everything).
	RetentionDays int
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Init replaces the global logger.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	if opts.Verbose && !opts.Interactive {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, handlerOpts))
	}

	Close()
	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Prune(opts.DebugDir, opts.RetentionDays)
		}
		df, err := OpenDailyFile(opts.DebugDir)
		if err != nil {
			return err
		}
		daily = df
		handlers = append(handlers, slog.NewJSONHandler(df, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	install(&teeHandler{handlers: handlers})
	return nil
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Close flushes and closes the debug file, if any.
func Close() {
	if daily != nil {
		daily.Close()
		daily = nil
	}
}

// SetOutput logs every level as text to w. Intended for tests.
func SetOutput(w io.Writer) {
	install(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// SetWatchID tags all subsequent records with watch_id.
func SetWatchID(id string) {
	watchID = id
	install(base)
}

// ClearWatchID stops tagging records with a watch ID.
func ClearWatchID() {
	watchID = ""
	install(base)
}

func install(h slog.Handler) {
	base = h
	if watchID != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("watch_id", watchID)})
	}
	logger = slog.New(h)
	slog.SetDefault(logger)
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	return t.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t *teeHandler) derive(fn func(slog.Handler) slog.Handler) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = fn(h)
	}
	return &teeHandler{handlers: out}
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return logger.With(args...)
}

func init() {
	base = slog.Default().Handler()
	logger = slog.Default()
}
