// Package ui formats human-facing CLI output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/majorcontext/copywatch/internal/activity"
)

var writer io.Writer = os.Stderr

// SetWriter overrides the stderr writer. nil restores os.Stderr.
func SetWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

var color = detectColor(os.Stdout)

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled overrides color detection.
func SetColorEnabled(enabled bool) {
	color = enabled
}

func ansi(code, s string) string {
	if !color {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func Bold(s string) string   { return ansi("1", s) }
func Dim(s string) string    { return ansi("2", s) }
func Green(s string) string  { return ansi("32", s) }
func Red(s string) string    { return ansi("31", s) }
func Yellow(s string) string { return ansi("33", s) }

// Section writes a bold title with a thin underline.
func Section(w io.Writer, title string) {
	fmt.Fprintln(w, Bold(title))
	fmt.Fprintln(w, Dim(strings.Repeat("─", len(title))))
}

func OKTag() string   { return Green("✓") }
func FailTag() string { return Red("✗") }
func WarnTag() string { return Yellow("⚠") }

// ReadingLabel colors a sensor reading by how it affects the inactivity clock.
func ReadingLabel(r activity.Reading) string {
	switch r.Kind {
	case activity.Active:
		return Green(r.Kind.String())
	case activity.NoRecentActivity:
		return Yellow(r.Kind.String())
	case activity.ProbeError, activity.ProbeTimedOut:
		return Red(r.Kind.String())
	default:
		return Dim(r.Kind.String())
	}
}

// OutcomeLabel colors a history outcome.
func OutcomeLabel(outcome string) string {
	switch outcome {
	case "completed":
		return Green(outcome)
	case "stalled", "failed":
		return Red(outcome)
	case "running":
		return Bold(outcome)
	default:
		return Yellow(outcome)
	}
}

// Warnf prints a user-facing warning to stderr.
func Warnf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", ansi("33", "Warning:"), fmt.Sprintf(format, args...))
}

// Errorf prints a user-facing error to stderr.
func Errorf(format string, args ...any) {
	fmt.Fprintf(writer, "%s %s\n", ansi("31", "Error:"), fmt.Sprintf(format, args...))
}

// Infof prints a user-facing message to stderr with no prefix.
func Infof(format string, args ...any) {
	fmt.Fprintf(writer, format+"\n", args...)
}
