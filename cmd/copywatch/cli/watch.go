package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/majorcontext/copywatch/internal/dest"
	"github.com/majorcontext/copywatch/internal/docker"
	"github.com/majorcontext/copywatch/internal/terminate"
	"github.com/majorcontext/copywatch/internal/watch"
	"github.com/majorcontext/copywatch/internal/watchdog"
)

var (
	watchDest      string
	watchPID       int
	watchContainer string
	watchTiming    timingFlags
)

var watchCmd = &cobra.Command{
	Use:   "watch --dest DEST (--pid PID | --container ID)",
	Short: "Watch a copy that is already running",
	Long: `Watch the destination of a copy that copywatch did not start.

With --pid the process gets SIGTERM and then SIGKILL when it stalls. With
--container the container is stopped through the Docker API. The watch ends
when the process or container exits.`,
	Args: cobra.NoArgs,
	RunE: watchCopy,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchDest, "dest", "", "destination to watch (path, s3://bucket/prefix, container://id/path)")
	watchCmd.Flags().IntVar(&watchPID, "pid", 0, "process ID of the copy")
	watchCmd.Flags().StringVar(&watchContainer, "container", "", "ID or name of the container running the copy")
	_ = watchCmd.MarkFlagRequired("dest")
	watchCmd.MarkFlagsMutuallyExclusive("pid", "container")
	watchCmd.MarkFlagsOneRequired("pid", "container")
	addTimingFlags(watchCmd, &watchTiming)
}

func watchCopy(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("pid") && watchPID <= 0 {
		return fmt.Errorf("--pid must be a positive process ID, got %d", watchPID)
	}
	params, err := watchTiming.apply(cmd, cfg.Timing)
	if err != nil {
		return fmt.Errorf("invalid timing: %w", err)
	}
	item, err := dest.ParseItem(watchDest)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Ends the exit watcher below once the watch is over.
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	probe, release, err := openProbe(ctx, item)
	if err != nil {
		return err
	}
	defer release()

	var (
		target   watchdog.Terminable
		copyDone = make(chan error, 1)
		command  string
	)
	if watchContainer != "" {
		dc, err := docker.NewClient()
		if err != nil {
			return err
		}
		defer dc.Close()
		running, err := dc.IsRunning(ctx, watchContainer)
		if err != nil {
			return err
		}
		if !running {
			return fmt.Errorf("container %s is not running", watchContainer)
		}
		target = &terminate.Container{ID: watchContainer, Grace: cfg.Termination.Grace, Stopper: dc}
		command = "container " + watchContainer
		go func() {
			code, err := dc.WaitContainer(waitCtx, watchContainer)
			if waitCtx.Err() != nil {
				return
			}
			if err == nil && code != 0 {
				err = fmt.Errorf("container exited with status %d", code)
			}
			copyDone <- err
		}()
	} else {
		target = &terminate.Process{PID: watchPID, Grace: cfg.Termination.Grace}
		command = fmt.Sprintf("pid %d", watchPID)
		go func() {
			if terminate.WaitGone(waitCtx, watchPID, params.CheckInterval) == nil {
				copyDone <- nil
			}
		}()
	}

	store := openHistory()
	if store != nil {
		defer store.Close()
	}

	opts := watchOptions(item, probe, params, store)
	opts.Target = target
	opts.Command = command

	res, err := watch.Run(ctx, opts, copyDone)
	if err != nil {
		return err
	}
	return resultError(res)
}
