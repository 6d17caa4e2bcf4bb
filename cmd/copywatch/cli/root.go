// Package cli implements the copywatch command-line interface using Cobra.
package cli

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/majorcontext/copywatch/internal/config"
	"github.com/majorcontext/copywatch/internal/log"
)

// ErrStalled is returned when copywatch terminated a copy for inactivity.
var ErrStalled = errors.New("copy stalled")

// ExitStalled is the process exit code for ErrStalled.
const ExitStalled = 2

var (
	verbose    bool
	jsonOut    bool
	configPath string

	// cfg is loaded before every command runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "copywatch",
	Short: "Terminate bulk copies that stop making progress",
	Long: `copywatch watches the destination of a bulk copy (a local directory, an S3
prefix, or a path inside a Docker container) and terminates the copy once
nothing there has changed for a full inactivity period.

Probe failures are treated optimistically: an unreachable destination counts
as active, so a flaky network never kills a healthy copy.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      filepath.Join(config.Dir(), "debug"),
			RetentionDays: cfg.Debug.RetentionDays,
			Stderr:        cmd.ErrOrStderr(),
		}); err != nil {
			// Non-fatal: stderr logging still works.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.copywatch/config.yaml)")
}
