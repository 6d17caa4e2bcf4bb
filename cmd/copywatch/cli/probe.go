package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/majorcontext/copywatch/internal/activity"
	"github.com/majorcontext/copywatch/internal/dest"
	"github.com/majorcontext/copywatch/internal/ui"
)

var (
	probeDest      string
	probeThreshold time.Duration
	probeTiming    timingFlags
)

var probeCmd = &cobra.Command{
	Use:   "probe --dest DEST",
	Short: "Check a destination for recent activity once",
	Long: `Run one activity check against DEST and print the reading, using the same
timeout, retry, and fallback rules as a watch.`,
	Args: cobra.NoArgs,
	RunE: probeDestination,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVar(&probeDest, "dest", "", "destination to check (path, s3://bucket/prefix, container://id/path)")
	probeCmd.Flags().DurationVar(&probeThreshold, "threshold", 0, "how recent a change must be to count (default: inactivity period)")
	_ = probeCmd.MarkFlagRequired("dest")
	addTimingFlags(probeCmd, &probeTiming)
}

type probeOutput struct {
	Item     string    `json:"item"`
	Reading  string    `json:"reading"`
	At       time.Time `json:"at,omitzero"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

func probeDestination(cmd *cobra.Command, args []string) error {
	params, err := probeTiming.apply(cmd, cfg.Timing)
	if err != nil {
		return fmt.Errorf("invalid timing: %w", err)
	}
	item, err := dest.ParseItem(probeDest)
	if err != nil {
		return err
	}
	threshold := probeThreshold
	if threshold <= 0 {
		threshold = params.InactivityPeriod
	}

	ctx := cmd.Context()
	probe, release, err := openProbe(ctx, item)
	if err != nil {
		return err
	}
	defer release()

	reading := activity.NewSensor(probe, params).QueryRecentActivity(ctx, item, threshold)

	out := cmd.OutOrStdout()
	if jsonOut {
		po := probeOutput{
			Item:     item.String(),
			Reading:  reading.Kind.String(),
			At:       reading.At,
			Attempts: reading.Attempts,
		}
		if reading.Err != nil {
			po.Error = reading.Err.Error()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(po)
	}

	fmt.Fprintf(out, "%s  %s\n", item, ui.ReadingLabel(reading))
	if !reading.At.IsZero() {
		fmt.Fprintf(out, "  at:       %s (%s)\n", reading.At.Format(time.RFC3339), humanize.Time(reading.At))
	}
	fmt.Fprintf(out, "  within:   %s\n", threshold)
	if reading.Err != nil {
		fmt.Fprintf(out, "  error:    %v (after %d attempts)\n", reading.Err, reading.Attempts)
	}
	return nil
}
