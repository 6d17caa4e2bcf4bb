// Package doctor runs environment checks for copywatch.
package doctor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/majorcontext/copywatch/internal/ui"
)

// Check is one diagnostic.
type Check interface {
	// Name is the heading printed for the check, e.g. "Docker".
	Name() string

	// Run returns a one-line detail on success. Optional checks (a missing
	// Docker daemon when no container destination is used) return Skipped.
	Run(ctx context.Context) (string, error)
}

// Skipped marks a check that could not run but is not a failure.
type Skipped struct {
	Reason string
}

func (s *Skipped) Error() string { return s.Reason }

// Registry holds checks in registration order.
type Registry struct {
	checks  []Check
	timeout time.Duration
}

// NewRegistry creates a registry whose checks each get timeout to finish.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

// Register adds a check.
func (r *Registry) Register(c Check) {
	r.checks = append(r.checks, c)
}

// Checks returns all registered checks.
func (r *Registry) Checks() []Check {
	return r.checks
}

// RunAll runs every check, writing one status line each, and returns the
// number that failed.
func (r *Registry) RunAll(ctx context.Context, w io.Writer) int {
	failed := 0
	for _, c := range r.checks {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		detail, err := c.Run(cctx)
		cancel()

		var skipped *Skipped
		switch {
		case err == nil:
			fmt.Fprintf(w, "%s %-10s %s\n", ui.OKTag(), c.Name(), detail)
		case asSkipped(err, &skipped):
			fmt.Fprintf(w, "%s %-10s %s\n", ui.WarnTag(), c.Name(), ui.Dim(skipped.Reason))
		default:
			failed++
			fmt.Fprintf(w, "%s %-10s %v\n", ui.FailTag(), c.Name(), err)
		}
	}
	return failed
}

func asSkipped(err error, target **Skipped) bool {
	s, ok := err.(*Skipped)
	if ok {
		*target = s
	}
	return ok
}
