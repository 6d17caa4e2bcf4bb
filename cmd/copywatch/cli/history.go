package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/majorcontext/copywatch/internal/history"
	"github.com/majorcontext/copywatch/internal/ui"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent watches",
	Args:  cobra.NoArgs,
	RunE:  listHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <watch-id>",
	Short: "Show one watch in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  showHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of watches to list (0 for all)")
}

func listHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		if records == nil {
			records = []*history.Record{}
		}
		return json.NewEncoder(out).Encode(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No watches recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WATCH ID\tITEM\tOUTCOME\tSTARTED\tDURATION")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Item, ui.OutcomeLabel(string(r.Outcome)), humanize.Time(r.StartedAt), watchDuration(r))
	}
	return w.Flush()
}

func showHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(args[0])
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("watch %q not found", args[0])
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return json.NewEncoder(out).Encode(r)
	}
	printRecord(out, r)
	return nil
}

func printRecord(out io.Writer, r *history.Record) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Watch:\t%s\n", r.ID)
	fmt.Fprintf(w, "Item:\t%s\n", r.Item)
	if r.Command != "" {
		fmt.Fprintf(w, "Command:\t%s\n", r.Command)
	}
	fmt.Fprintf(w, "Outcome:\t%s\n", ui.OutcomeLabel(string(r.Outcome)))
	fmt.Fprintf(w, "Started:\t%s (%s)\n", r.StartedAt.Local().Format(time.RFC3339), humanize.Time(r.StartedAt))
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished:\t%s\n", r.FinishedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Duration:\t%s\n", watchDuration(r))
	if !r.LastActive.IsZero() {
		fmt.Fprintf(w, "Last active:\t%s\n", r.LastActive.Local().Format(time.RFC3339))
	}
	if r.InactiveFor > 0 {
		fmt.Fprintf(w, "Inactive for:\t%s\n", r.InactiveFor.Round(time.Second))
	}
	fmt.Fprintf(w, "Readings:\t%s (%s failed)\n", humanize.Comma(int64(r.Readings)), humanize.Comma(int64(r.FailedReadings)))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", r.Error)
	}
	w.Flush()
}

func watchDuration(r *history.Record) string {
	if r.FinishedAt.IsZero() {
		return "-"
	}
	return r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
}
