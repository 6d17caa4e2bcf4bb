package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/dest"
	"github.com/majorcontext/copywatch/internal/history"
	"github.com/majorcontext/copywatch/internal/log"
	"github.com/majorcontext/copywatch/internal/ui"
	"github.com/majorcontext/copywatch/internal/watch"
	"github.com/majorcontext/copywatch/internal/watchdog"
)

// timingFlags override the configured timing parameters for one command.
type timingFlags struct {
	checkInterval    time.Duration
	quietPeriod      time.Duration
	inactivityPeriod time.Duration
	retryBackoff     time.Duration
	probeTimeout     time.Duration
	maxRetries       int
}

func addTimingFlags(cmd *cobra.Command, f *timingFlags) {
	fs := cmd.Flags()
	fs.DurationVar(&f.checkInterval, "check-interval", 0, "time between activity checks")
	fs.DurationVar(&f.quietPeriod, "quiet-period", 0, "inactivity after which a notice is logged")
	fs.DurationVar(&f.inactivityPeriod, "inactivity-period", 0, "inactivity after which the copy is terminated")
	fs.DurationVar(&f.retryBackoff, "retry-backoff", 0, "wait between retries of a failed probe")
	fs.DurationVar(&f.probeTimeout, "probe-timeout", 0, "time limit for one probe (default: check interval)")
	fs.IntVar(&f.maxRetries, "max-retries", 0, "retries of a failed probe before assuming activity")
}

// apply layers the flags the user set over base and validates the result.
func (f *timingFlags) apply(cmd *cobra.Command, base activity.TimingParameters) (activity.TimingParameters, error) {
	p := base
	fs := cmd.Flags()
	if fs.Changed("check-interval") {
		p.CheckInterval = f.checkInterval
	}
	if fs.Changed("quiet-period") {
		p.QuietPeriod = f.quietPeriod
	}
	if fs.Changed("inactivity-period") {
		p.InactivityPeriod = f.inactivityPeriod
	}
	if fs.Changed("retry-backoff") {
		p.RetryBackoff = f.retryBackoff
	}
	if fs.Changed("probe-timeout") {
		p.ProbeTimeout = f.probeTimeout
	}
	if fs.Changed("max-retries") {
		p.MaxRetries = f.maxRetries
	}
	return p, p.Validate()
}

// openProbe builds the probe for item. The returned func releases it.
func openProbe(ctx context.Context, item activity.Item) (activity.Probe, func(), error) {
	probe, err := dest.NewProbe(ctx, item, dest.Options{
		Excludes:  cfg.Exclude,
		AWSRegion: cfg.AWS.Region,
	})
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if c, ok := probe.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Debug("closing probe", "error", err)
			}
		}
	}
	return probe, release, nil
}

// openHistory opens the history store. History is best-effort: a broken
// database must not prevent watching a copy.
func openHistory() *history.Store {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Warn("watch history disabled", "path", cfg.History.Path, "error", err)
		return nil
	}
	return store
}

func watchOptions(item activity.Item, probe activity.Probe, params activity.TimingParameters, store *history.Store) watch.Options {
	opts := watch.Options{
		Item:   item,
		Probe:  probe,
		Params: params,
		OnStall: func(o watchdog.Outcome) {
			ui.Errorf("no activity at %s for %s, copy terminated", item, o.InactiveFor.Round(time.Second))
		},
	}
	if store != nil {
		opts.History = store
	}
	if log.IsTerminal(rootCmd.ErrOrStderr()) {
		opts.OnReading = readingReporter()
	}
	return opts
}

// readingReporter prints a line whenever the kind of reading changes.
func readingReporter() func(activity.Reading) {
	var last activity.Kind = -1
	return func(r activity.Reading) {
		if r.Kind == last {
			return
		}
		last = r.Kind
		ui.Infof("%s %s", ui.Dim(time.Now().Format(time.TimeOnly)), ui.ReadingLabel(r))
	}
}

// resultError maps a finished watch to the command's error.
func resultError(res watch.Result) error {
	switch res.Outcome {
	case history.OutcomeStalled:
		log.Debug("copy stalled", "watch_id", res.ID)
		if res.Monitor.TerminateErr != nil {
			return errors.Join(ErrStalled, res.Monitor.TerminateErr)
		}
		return ErrStalled
	case history.OutcomeFailed:
		return fmt.Errorf("copy failed: %w", res.CopyErr)
	case history.OutcomeInterrupted:
		return fmt.Errorf("interrupted: %w", context.Canceled)
	default:
		log.Debug("copy completed", "watch_id", res.ID)
		return nil
	}
}
