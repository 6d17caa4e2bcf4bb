// Package activity turns an unreliable "when did this item last change" probe
// into bounded-time, error-tolerant readings for the watchdog.
package activity

import (
	"errors"
	"fmt"
	"time"
)

// TimingParameters governs the watchdog cadence and thresholds.
// It is created once when a monitor starts and never mutated.
type TimingParameters struct {
	// CheckInterval is how often the monitor polls the sensor.
	CheckInterval time.Duration `yaml:"check_interval"`
	// QuietPeriod is a window of staleness that is treated as benign and not reported.
	QuietPeriod time.Duration `yaml:"quiet_period"`
	// InactivityPeriod is how long apparent staleness must persist to count as a stall.
	InactivityPeriod time.Duration `yaml:"inactivity_period"`
	// RetryBackoff is the delay before re-querying after a probe error.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// MaxRetries is the number of immediate re-queries after a probe error.
	// Zero falls back to the optimistic estimate straight away.
	MaxRetries int `yaml:"max_retries"`
	// ProbeTimeout bounds a single probe call. Zero means CheckInterval.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// DefaultTimingParameters returns the defaults used when nothing is configured.
func DefaultTimingParameters() TimingParameters {
	return TimingParameters{
		CheckInterval:    5 * time.Second,
		QuietPeriod:      30 * time.Second,
		InactivityPeriod: 5 * time.Minute,
		RetryBackoff:     time.Second,
		MaxRetries:       0,
	}
}

// ProbeBudget returns the time a single probe call may take.
func (p TimingParameters) ProbeBudget() time.Duration {
	if p.ProbeTimeout > 0 {
		return p.ProbeTimeout
	}
	return p.CheckInterval
}

// PollsPerWindow reports how many polls fit in one inactivity window.
func (p TimingParameters) PollsPerWindow() int {
	if p.CheckInterval <= 0 {
		return 0
	}
	return int(p.InactivityPeriod / p.CheckInterval)
}

// Validate checks the parameters. CheckInterval must be at most half of
// InactivityPeriod so that a single bad reading can be outweighed by the
// readings around it.
func (p TimingParameters) Validate() error {
	var errs []error
	if p.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("check interval must be positive, got %s", p.CheckInterval))
	}
	if p.InactivityPeriod <= 0 {
		errs = append(errs, fmt.Errorf("inactivity period must be positive, got %s", p.InactivityPeriod))
	}
	if p.CheckInterval > 0 && p.InactivityPeriod > 0 && 2*p.CheckInterval > p.InactivityPeriod {
		errs = append(errs, fmt.Errorf("check interval %s must be at most half of inactivity period %s",
			p.CheckInterval, p.InactivityPeriod))
	}
	if p.QuietPeriod < 0 {
		errs = append(errs, fmt.Errorf("quiet period must not be negative, got %s", p.QuietPeriod))
	}
	if p.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry backoff must not be negative, got %s", p.RetryBackoff))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries))
	}
	if p.ProbeTimeout < 0 {
		errs = append(errs, fmt.Errorf("probe timeout must not be negative, got %s", p.ProbeTimeout))
	}
	return errors.Join(errs...)
}
