// Package watchdog decides from a stream of activity readings whether a copy
// has stalled, and terminates it exactly once when it has.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/log"
)

// ErrAlreadyStarted is returned by Start on a monitor that is not in the Created state.
var ErrAlreadyStarted = errors.New("monitor already started")

// terminateTimeout bounds a single Terminate call.
const terminateTimeout = 2 * time.Minute

// Sensor answers whether an item changed within a threshold.
type Sensor interface {
	QueryRecentActivity(ctx context.Context, item activity.Item, threshold time.Duration) activity.Reading
}

// Terminable is the copy being watched.
type Terminable interface {
	Terminate(ctx context.Context) error
}

// TerminateFunc adapts a function to the Terminable interface.
type TerminateFunc func(ctx context.Context) error

// Terminate calls f.
func (f TerminateFunc) Terminate(ctx context.Context) error { return f(ctx) }

// State is the monitor lifecycle state.
type State int

const (
	Created State = iota
	Running
	Terminating
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome summarizes a finished monitor.
type Outcome struct {
	// Stalled is true when the monitor terminated the copy.
	Stalled bool
	// StoppedAt is when the monitor reached Stopped.
	StoppedAt time.Time
	// LastActive is the final last-known-activity marker.
	LastActive time.Time
	// InactiveFor is how long the copy had been inactive when the monitor stopped.
	InactiveFor time.Duration
	// TerminateErr is the error returned by Terminate, if it failed.
	TerminateErr error
	// Readings is the number of completed polls.
	Readings int
	// FailedReadings is the total number of polls that timed out or errored.
	FailedReadings int
}

// Monitor polls a Sensor for one item and terminates a Terminable when no
// activity has been seen for a full inactivity period.
//
// Only the polling goroutine mutates the activity marker and counters; the
// mutex makes them visible to State, LastActive and Stop.
type Monitor struct {
	sensor Sensor
	target Terminable
	params activity.TimingParameters
	now    func() time.Time

	onReading func(activity.Reading)
	onStall   func(Outcome)

	mu          sync.Mutex
	state       State
	item        activity.Item
	lastActive  time.Time
	consecFails int
	totalFails  int
	readings    int
	quietNoted  bool
	outcome     Outcome
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a monitor. The parameters are validated here and never change afterwards.
func New(sensor Sensor, target Terminable, params activity.TimingParameters) (*Monitor, error) {
	if sensor == nil {
		return nil, errors.New("sensor is required")
	}
	if target == nil {
		return nil, errors.New("terminable is required")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timing parameters: %w", err)
	}
	if n := params.PollsPerWindow(); n < 5 {
		log.Warn("few polls per inactivity window; a single bad reading weighs heavily",
			"polls", n,
			"check_interval", params.CheckInterval,
			"inactivity_period", params.InactivityPeriod)
	}
	return &Monitor{
		sensor: sensor,
		target: target,
		params: params,
		now:    time.Now,
		done:   make(chan struct{}),
	}, nil
}

// SetOnReading registers a callback invoked from the polling goroutine after
// every poll. Must be called before Start.
func (m *Monitor) SetOnReading(fn func(activity.Reading)) {
	m.onReading = fn
}

// SetOnStall registers a callback invoked once after a stall-triggered
// termination. It runs on the polling goroutine after Done is closed, so it
// may call Stop or Wait. Must be called before Start.
func (m *Monitor) SetOnStall(fn func(Outcome)) {
	m.onStall = fn
}

// Start begins polling item in a background goroutine. The copy is
// considered active at the moment Start is called.
func (m *Monitor) Start(ctx context.Context, item activity.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Created {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, m.state)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.item = item
	m.lastActive = m.now()
	m.state = Running

	log.Debug("activity monitor started",
		"item", item.String(),
		"check_interval", m.params.CheckInterval,
		"inactivity_period", m.params.InactivityPeriod)

	go m.loop(ctx)
	return nil
}

// Stop ends monitoring without terminating the copy. It is safe to call
// repeatedly and from any goroutine. If a stall termination is already in
// progress, Stop waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	switch m.state {
	case Created:
		m.state = Stopped
		m.outcome = Outcome{StoppedAt: m.now()}
		close(m.done)
		m.mu.Unlock()
		return
	case Running:
		m.state = Stopped
		m.outcome = m.outcomeLocked(false, nil)
		log.Debug("activity monitor stopped", "item", m.item.String())
	}
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-m.done
}

// Done is closed once the monitor has stopped and its goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the monitor stops and returns its outcome.
func (m *Monitor) Wait() Outcome {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastActive returns the last-known-activity marker.
func (m *Monitor) LastActive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActive
}

func (m *Monitor) loop(ctx context.Context) {
	defer func() {
		close(m.done)
		m.mu.Lock()
		outcome := m.outcome
		m.mu.Unlock()
		if outcome.Stalled && m.onStall != nil {
			m.onStall(outcome)
		}
	}()

	timer := time.NewTimer(m.params.CheckInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopOnCancel()
			return
		case <-timer.C:
		}

		if m.poll(ctx) {
			return
		}
		timer.Reset(m.params.CheckInterval)
	}
}

// poll runs one cycle and reports whether the loop should exit.
func (m *Monitor) poll(ctx context.Context) bool {
	reading := m.sensor.QueryRecentActivity(ctx, m.item, m.params.InactivityPeriod)
	if reading.Kind == activity.Canceled || ctx.Err() != nil {
		m.stopOnCancel()
		return true
	}

	now := m.now()

	m.mu.Lock()
	if m.state != Running {
		m.mu.Unlock()
		return true
	}
	m.readings++
	if reading.Failed() {
		m.consecFails++
		m.totalFails++
	} else {
		m.consecFails = 0
	}
	switch reading.Kind {
	case activity.Active:
		// Any positive reading resets the clock; the marker never moves back.
		m.advanceLocked(reading.At)
		m.advanceLocked(now)
	case activity.ProbeError:
		m.advanceLocked(reading.At)
	}
	elapsed := now.Sub(m.lastActive)
	consecFails := m.consecFails
	stalled := elapsed >= m.params.InactivityPeriod
	if stalled {
		m.state = Terminating
	}
	m.mu.Unlock()

	if m.onReading != nil {
		m.onReading(reading)
	}

	if !stalled {
		m.noteQuiet(elapsed, consecFails, reading)
		return false
	}

	m.terminate(ctx, elapsed, consecFails)
	return true
}

func (m *Monitor) advanceLocked(t time.Time) {
	if t.After(m.lastActive) {
		m.lastActive = t
		m.quietNoted = false
	}
}

// noteQuiet reports staleness beyond the quiet period once per episode.
// Shorter gaps are expected between files and are not reported.
func (m *Monitor) noteQuiet(elapsed time.Duration, consecFails int, reading activity.Reading) {
	if elapsed < m.params.QuietPeriod || m.params.QuietPeriod == 0 {
		return
	}
	m.mu.Lock()
	already := m.quietNoted
	m.quietNoted = true
	m.mu.Unlock()
	if already {
		return
	}
	log.Info("copy quiet",
		"item", m.item.String(),
		"inactive_for", elapsed.Round(time.Millisecond),
		"stall_after", m.params.InactivityPeriod,
		"last_reading", reading.Kind.String(),
		"consecutive_failed_readings", consecFails)
}

func (m *Monitor) terminate(ctx context.Context, elapsed time.Duration, consecFails int) {
	m.mu.Lock()
	lastActive := m.lastActive
	m.mu.Unlock()

	log.Warn("copy stalled, terminating",
		"item", m.item.String(),
		"inactive_for", elapsed.Round(time.Millisecond),
		"last_active", lastActive.Format(time.RFC3339),
		"inactivity_period", m.params.InactivityPeriod,
		"consecutive_failed_readings", consecFails)

	// A Stop during termination must not abort it.
	termCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	err := m.target.Terminate(termCtx)
	cancel()
	if err != nil {
		log.Error("terminating stalled copy failed", "item", m.item.String(), "error", err)
	} else {
		log.Info("stalled copy terminated", "item", m.item.String())
	}

	m.mu.Lock()
	m.state = Stopped
	m.outcome = m.outcomeLocked(true, err)
	m.mu.Unlock()
}

func (m *Monitor) stopOnCancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Running {
		// Parent context ended without Stop.
		m.state = Stopped
		m.outcome = m.outcomeLocked(false, nil)
	}
}

func (m *Monitor) outcomeLocked(stalled bool, terminateErr error) Outcome {
	now := m.now()
	return Outcome{
		Stalled:        stalled,
		StoppedAt:      now,
		LastActive:     m.lastActive,
		InactiveFor:    now.Sub(m.lastActive),
		TerminateErr:   terminateErr,
		Readings:       m.readings,
		FailedReadings: m.totalFails,
	}
}
