// Package watch supervises one copy: it runs an activity monitor against the
// copy's destination until the copy finishes, stalls, or is interrupted, and
// records the result in the watch history.
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/history"
	"github.com/majorcontext/copywatch/internal/id"
	"github.com/majorcontext/copywatch/internal/log"
	"github.com/majorcontext/copywatch/internal/watchdog"
)

// Recorder persists watch records. *history.Store implements it.
type Recorder interface {
	Begin(r history.Record) error
	Finish(id string, res history.Result) error
}

// Options describes one supervised copy.
type Options struct {
	Item    activity.Item
	Probe   activity.Probe
	Target  watchdog.Terminable
	Params  activity.TimingParameters
	Command string

	// History is optional.
	History Recorder
	// OnReading is called from the monitor goroutine after every poll.
	OnReading func(activity.Reading)
	// OnStall is called once after a stalled copy was terminated. Run
	// returns only after it has finished.
	OnStall func(watchdog.Outcome)
}

// Result is how a supervised copy ended.
type Result struct {
	ID      string
	Outcome history.Outcome
	Monitor watchdog.Outcome
	// CopyErr is the error the copy itself finished with, if any.
	CopyErr error
}

// Run monitors opts.Item until copyDone delivers the copy's exit status, the
// monitor terminates a stalled copy, or ctx is canceled. copyDone may be nil
// when nothing reports the copy finishing.
func Run(ctx context.Context, opts Options, copyDone <-chan error) (Result, error) {
	res := Result{ID: id.Generate("watch")}
	log.SetWatchID(res.ID)
	defer log.ClearWatchID()

	mon, err := watchdog.New(activity.NewSensor(opts.Probe, opts.Params), opts.Target, opts.Params)
	if err != nil {
		return res, fmt.Errorf("creating monitor: %w", err)
	}
	if opts.OnReading != nil {
		mon.SetOnReading(opts.OnReading)
	}
	stallReported := make(chan struct{})
	if opts.OnStall != nil {
		mon.SetOnStall(func(o watchdog.Outcome) {
			defer close(stallReported)
			opts.OnStall(o)
		})
	}

	started := time.Now()
	if opts.History != nil {
		err := opts.History.Begin(history.Record{
			ID:        res.ID,
			Item:      opts.Item.String(),
			Command:   opts.Command,
			StartedAt: started,
		})
		if err != nil {
			log.Warn("could not record watch start", "error", err)
		}
	}

	if err := mon.Start(ctx, opts.Item); err != nil {
		return res, err
	}
	log.Info("watching copy", "item", opts.Item.String(), "inactivity_period", opts.Params.InactivityPeriod)

	select {
	case res.CopyErr = <-copyDone:
		mon.Stop()
	case <-mon.Done():
	case <-ctx.Done():
		mon.Stop()
	}
	res.Monitor = mon.Wait()
	if res.Monitor.Stalled && opts.OnStall != nil {
		<-stallReported
	}

	switch {
	case res.Monitor.Stalled:
		res.Outcome = history.OutcomeStalled
	case ctx.Err() != nil:
		res.Outcome = history.OutcomeInterrupted
	case res.CopyErr != nil:
		res.Outcome = history.OutcomeFailed
	default:
		res.Outcome = history.OutcomeCompleted
	}
	log.Info("watch finished", "outcome", res.Outcome, "readings", res.Monitor.Readings,
		"failed_readings", res.Monitor.FailedReadings, "duration", time.Since(started).Round(time.Millisecond))

	if opts.History != nil {
		finishErr := res.Monitor.TerminateErr
		if finishErr == nil {
			finishErr = res.CopyErr
		}
		err := opts.History.Finish(res.ID, history.Result{
			Outcome:        res.Outcome,
			FinishedAt:     res.Monitor.StoppedAt,
			LastActive:     res.Monitor.LastActive,
			InactiveFor:    res.Monitor.InactiveFor,
			Readings:       res.Monitor.Readings,
			FailedReadings: res.Monitor.FailedReadings,
			Err:            finishErr,
		})
		if err != nil {
			log.Warn("could not record watch result", "error", err)
		}
	}
	return res, nil
}
