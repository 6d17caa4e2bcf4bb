package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/copywatch/internal/dest"
	"github.com/majorcontext/copywatch/internal/history"
	"github.com/majorcontext/copywatch/internal/log"
	"github.com/majorcontext/copywatch/internal/terminate"
	"github.com/majorcontext/copywatch/internal/ui"
	"github.com/majorcontext/copywatch/internal/watch"
)

var (
	runDest   string
	runTiming timingFlags
)

var runCmd = &cobra.Command{
	Use:   "run --dest DEST -- COMMAND [ARGS...]",
	Short: "Run a copy command and terminate it if it stalls",
	Long: `Run a copy command while watching its destination.

DEST is a local path, s3://bucket/prefix, or container://<id>/<path>. The
command runs in its own process group; if nothing under DEST changes for the
inactivity period, the whole group gets SIGTERM and then SIGKILL.

Exits with status 2 when the copy was terminated for inactivity.`,
	Example: `  copywatch run --dest /mnt/backup -- rsync -a /data/ /mnt/backup/
  copywatch run --dest s3://archive/2026 --inactivity-period 10m -- aws s3 sync /data s3://archive/2026`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCopy,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runDest, "dest", "", "destination to watch (path, s3://bucket/prefix, container://id/path)")
	_ = runCmd.MarkFlagRequired("dest")
	addTimingFlags(runCmd, &runTiming)
}

func runCopy(cmd *cobra.Command, args []string) error {
	params, err := runTiming.apply(cmd, cfg.Timing)
	if err != nil {
		return fmt.Errorf("invalid timing: %w", err)
	}
	item, err := dest.ParseItem(runDest)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probe, release, err := openProbe(ctx, item)
	if err != nil {
		return err
	}
	defer release()

	store := openHistory()
	if store != nil {
		defer store.Close()
	}

	copyCmd := exec.Command(args[0], args[1:]...)
	copyCmd.Stdin = os.Stdin
	copyCmd.Stdout = cmd.OutOrStdout()
	copyCmd.Stderr = cmd.ErrOrStderr()
	copyCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := copyCmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", args[0], err)
	}
	log.Debug("started copy", "pid", copyCmd.Process.Pid, "command", args[0])

	exited := make(chan struct{})
	target := &terminate.Process{
		PID:    copyCmd.Process.Pid,
		Group:  true,
		Grace:  cfg.Termination.Grace,
		Exited: exited,
	}

	opts := watchOptions(item, probe, params, store)
	opts.Target = target
	opts.Command = strings.Join(args, " ")

	copyDone := make(chan error, 1)
	var res watch.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := copyCmd.Wait()
		close(exited)
		copyDone <- err
		return nil
	})
	g.Go(func() error {
		var err error
		res, err = watch.Run(gctx, opts, copyDone)
		if err != nil || res.Outcome == history.OutcomeInterrupted {
			// The copy has its own process group, so terminal signals never reached it.
			ui.Warnf("stopping %s (pid %d)", args[0], target.PID)
			if terr := target.Terminate(context.WithoutCancel(gctx)); terr != nil {
				log.Warn("could not stop copy", "pid", target.PID, "error", terr)
			}
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return resultError(res)
}
