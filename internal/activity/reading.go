package activity

import (
	"context"
	"fmt"
	"time"
)

// Item identifies the destination being watched: the store kind and a key
// within it (a path, an S3 prefix, a container path).
type Item struct {
	Store string
	Key   string
}

func (i Item) String() string {
	if i.Store == "" {
		return i.Key
	}
	return i.Store + ":" + i.Key
}

// Probe reports whether an item changed more recently than threshold.
//
// A probe may stop scanning as soon as it finds anything younger than
// threshold; the returned time need not be the latest modification. found is
// false when nothing newer than threshold exists. Probes may be slow, may
// fail, and may ignore ctx.
type Probe interface {
	LastChange(ctx context.Context, item Item, threshold time.Duration) (changed time.Time, found bool, err error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, item Item, threshold time.Duration) (time.Time, bool, error)

// LastChange calls f.
func (f ProbeFunc) LastChange(ctx context.Context, item Item, threshold time.Duration) (time.Time, bool, error) {
	return f(ctx, item, threshold)
}

// Kind classifies a Reading.
type Kind int

const (
	// Active means the item changed within the threshold; At is the observed time.
	Active Kind = iota
	// NoRecentActivity means the probe determined nothing changed within the threshold.
	NoRecentActivity
	// ProbeError means the probe failed; At is the optimistic fallback (the
	// time of the failed call).
	ProbeError
	// ProbeTimedOut means the probe did not answer within its budget.
	ProbeTimedOut
	// Canceled means the caller's context ended before the probe answered.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Active:
		return "active"
	case NoRecentActivity:
		return "no_recent_activity"
	case ProbeError:
		return "probe_error"
	case ProbeTimedOut:
		return "probe_timed_out"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Reading is the result of one sensor query.
type Reading struct {
	Kind Kind
	// At is the activity timestamp for Active and the fallback estimate for ProbeError.
	At time.Time
	// Err is the last probe error for ProbeError.
	Err error
	// Attempts is how many times the probe was invoked.
	Attempts int
}

// Failed reports whether the reading carries no probe answer.
func (r Reading) Failed() bool {
	return r.Kind == ProbeError || r.Kind == ProbeTimedOut
}

func (r Reading) String() string {
	switch r.Kind {
	case Active:
		return fmt.Sprintf("active at %s", r.At.Format(time.RFC3339Nano))
	case ProbeError:
		return fmt.Sprintf("probe error after %d attempt(s): %v", r.Attempts, r.Err)
	default:
		return r.Kind.String()
	}
}
