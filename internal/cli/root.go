// Package cli implements the incidentsync command line: the sync server and
// the device-side commands that queue edits and run sync cycles.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/incidentsync/internal/config"
	"github.com/kimhsiao/incidentsync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	cfg config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "~/.incidentsync/config.yaml"

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "incidentsync",
		Short: "Local-first incident reporting with offline sync",
		Long: `incidentsync runs the incident sync server and the device-side client.

Devices record edits offline into an operation log and push them to the
server with "sync"; the server applies each operation exactly once and
broadcasts applied changes to realtime observers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			opts.cfg = cfg
			logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Log.Level))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", DefaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDuplicateCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewIncidentsCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// NewInitCommand creates the init command, which writes a default config.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(rootOpts.ConfigPath); err != nil {
				return WrapExitError(ExitCommandError, "failed to write config", err)
			}
			out := rootOpts.formatter(cmd)
			return out.Success(map[string]string{"config": rootOpts.ConfigPath}, func() {
				out.Linef("Wrote default config to %s", rootOpts.ConfigPath)
			})
		},
	}
}
