package activity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/copywatch/internal/log"
)

// Sensor wraps a Probe into a bounded-time, error-tolerant query.
//
// Probe timeouts are reported as "no data" and probe errors fall back to
// the time of the failed call, so a misbehaving probe can delay stall
// detection but never cause one.
type Sensor struct {
	probe  Probe
	params TimingParameters
	now    func() time.Time

	mu        sync.Mutex
	inflight  map[Item]*probeCall
	lastErr   error
	repeatErr int
}

// NewSensor creates a sensor over probe using the budget and retry settings in params.
func NewSensor(probe Probe, params TimingParameters) *Sensor {
	return &Sensor{
		probe:  probe,
		params: params,
		now:    time.Now,
	}
}

// lastError returns the most recent probe error, or nil once the probe
// has answered successfully again.
func (s *Sensor) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// QueryRecentActivity asks whether item changed within threshold.
// It never returns an error; failures are encoded in the Reading kind.
func (s *Sensor) QueryRecentActivity(ctx context.Context, item Item, threshold time.Duration) Reading {
	var (
		lastErr  error
		failedAt time.Time
	)
	for attempt := 1; ; attempt++ {
		calledAt := s.now()
		res := s.probeOnce(ctx, item, threshold)

		switch res.status {
		case statusCanceled:
			return Reading{Kind: Canceled, Attempts: attempt}
		case statusTimedOut:
			log.Warn("could not determine last-changed time: time out",
				"item", item.String(),
				"budget", s.params.ProbeBudget(),
				"attempt", attempt)
			return Reading{Kind: ProbeTimedOut, Attempts: attempt}
		}

		if res.err == nil {
			s.clearError()
			if res.found && s.now().Sub(res.changed) < threshold {
				return Reading{Kind: Active, At: res.changed, Attempts: attempt}
			}
			return Reading{Kind: NoRecentActivity, Attempts: attempt}
		}

		lastErr = res.err
		failedAt = calledAt
		if attempt > s.params.MaxRetries {
			break
		}
		log.Debug("probe failed, retrying",
			"item", item.String(),
			"attempt", attempt,
			"backoff", s.params.RetryBackoff,
			"error", res.err)
		if !sleepContext(ctx, s.params.RetryBackoff) {
			return Reading{Kind: Canceled, Attempts: attempt}
		}
	}

	attempts := s.params.MaxRetries + 1
	s.noteError(item, lastErr, attempts)
	return Reading{Kind: ProbeError, At: failedAt, Err: lastErr, Attempts: attempts}
}

type probeStatus int

const (
	statusAnswered probeStatus = iota
	statusTimedOut
	statusCanceled
)

type probeResult struct {
	changed time.Time
	found   bool
	err     error
	status  probeStatus
}

// probeCall is one outstanding call to the probe. res is written before
// done is closed.
type probeCall struct {
	ctx  context.Context
	done chan struct{}
	res  probeResult
}

// probeOnce runs the probe in its own goroutine so that a probe which
// ignores its context cannot hold the caller past the budget. At most one
// call per item is outstanding: while an abandoned call has not returned,
// later queries wait on it within their own budget instead of starting
// another.
func (s *Sensor) probeOnce(ctx context.Context, item Item, threshold time.Duration) probeResult {
	probeCtx, cancel := context.WithTimeout(ctx, s.params.ProbeBudget())
	defer cancel()

	s.mu.Lock()
	call, joined := s.inflight[item]
	if !joined {
		call = &probeCall{ctx: probeCtx, done: make(chan struct{})}
		if s.inflight == nil {
			s.inflight = make(map[Item]*probeCall)
		}
		s.inflight[item] = call
		go s.run(call, item, threshold)
	}
	s.mu.Unlock()
	if joined {
		log.Debug("previous probe call still running, waiting on it", "item", item.String())
	}

	select {
	case <-call.done:
		res := call.res
		if res.err != nil && call.ctx.Err() != nil {
			// The probe gave up because its context ended.
			switch {
			case ctx.Err() != nil:
				res.status = statusCanceled
			case joined || errors.Is(call.ctx.Err(), context.DeadlineExceeded):
				res.status = statusTimedOut
			}
		}
		return res
	case <-probeCtx.Done():
		if ctx.Err() != nil {
			return probeResult{status: statusCanceled}
		}
		return probeResult{status: statusTimedOut}
	}
}

func (s *Sensor) run(call *probeCall, item Item, threshold time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			call.res = probeResult{err: fmt.Errorf("probe panicked: %v", r)}
		}
		s.mu.Lock()
		delete(s.inflight, item)
		s.mu.Unlock()
		close(call.done)
	}()
	changed, found, err := s.probe.LastChange(call.ctx, item, threshold)
	call.res = probeResult{changed: changed, found: found, err: err}
}

func (s *Sensor) noteError(item Item, err error, attempts int) {
	s.mu.Lock()
	repeated := s.lastErr != nil && s.lastErr.Error() == err.Error()
	s.lastErr = err
	if repeated {
		s.repeatErr++
	} else {
		s.repeatErr = 0
	}
	count := s.repeatErr
	s.mu.Unlock()

	if repeated {
		log.Debug("could not determine last-changed time, assuming activity now",
			"item", item.String(),
			"error", err,
			"repeats", count)
		return
	}
	log.Warn("could not determine last-changed time, assuming activity now",
		"item", item.String(),
		"error", err,
		"attempts", attempts)
}

func (s *Sensor) clearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr != nil {
		log.Debug("probe recovered", "after_errors", s.repeatErr+1)
	}
	s.lastErr = nil
	s.repeatErr = 0
}

// sleepContext waits for d or until ctx ends. It reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
