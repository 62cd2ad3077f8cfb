// Package cli implements stepctl, the operator command line for stepwise.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/stepwise/internal/config"
	"github.com/ashureev/stepwise/internal/store"
	"github.com/ashureev/stepwise/internal/webhook"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath  string
	Format  string // "json" | "text"
	Verbose bool

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. cfg supplies defaults for the
// database path and the retry settings reported by `retries stats`.
func NewRootCommand(cfg *config.Config) *cobra.Command {
	opts := &RootOptions{cfg: cfg}

	cmd := &cobra.Command{
		Use:   "stepctl",
		Short: "stepctl - stepwise operator tool",
		Long:  "Import manuals and inspect the webhook retry queue of a stepwise database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", cfg.DBPath, "path to the stepwise SQLite database")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewManualsCommand(opts))
	cmd.AddCommand(NewRetriesCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) openStore() (*store.SQLiteStore, error) {
	repo, err := store.NewSQLite(o.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", o.DBPath, err)
	}
	return repo, nil
}

// logger writes diagnostics to w; debug level only with --verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) webhookSettings() webhook.Settings {
	return webhook.Settings{
		Enabled:      o.cfg.Webhook.Enabled,
		BaseDelay:    o.cfg.Webhook.BaseDelay,
		MaxAttempts:  o.cfg.Webhook.MaxAttempts,
		PollInterval: o.cfg.Webhook.PollInterval,
		BatchSize:    o.cfg.Webhook.BatchSize,
	}
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
