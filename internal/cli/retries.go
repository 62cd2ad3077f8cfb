package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/stepwise/internal/domain"
	"github.com/ashureev/stepwise/internal/webhook"
)

// NewRetriesCommand creates the retries command group.
func NewRetriesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retries",
		Short: "Inspect the webhook retry queue",
	}
	cmd.AddCommand(newRetriesListCommand(rootOpts))
	cmd.AddCommand(newRetriesStatsCommand(rootOpts))
	cmd.AddCommand(newRetriesPurgeCommand(rootOpts))
	return cmd
}

func newRetriesListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retry tasks",
		Example: `  stepctl retries list --status failed_permanent
  stepctl retries list --status pending --limit 20 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.RetryStatus(status)
			switch st {
			case "", domain.RetryPending, domain.RetryInFlight, domain.RetrySucceeded, domain.RetryFailedPermanent:
			default:
				return fmt.Errorf("invalid status %q", status)
			}

			repo, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			tasks, err := repo.ListRetryTasks(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			if tasks == nil {
				tasks = []*domain.RetryTask{}
			}
			return rootOpts.formatter(cmd).Success(tasks, func(w io.Writer) error {
				line(w, "ID\tEVENT\tSESSION\tSTATUS\tATTEMPTS\tNEXT RETRY\tLAST ERROR")
				for _, t := range tasks {
					line(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s",
						t.ID, t.EventType, t.SessionID, t.Status, t.AttemptCount,
						t.NextRetryAt.Format(time.RFC3339), t.LastError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|in_flight|succeeded|failed_permanent)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum tasks to show")
	return cmd
}

func newRetriesStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show retry queue counts and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			engine := webhook.NewEngine(nil, repo, rootOpts.webhookSettings(), nil, rootOpts.logger(cmd.ErrOrStderr()))
			stats, err := engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.formatter(cmd).Success(stats, func(w io.Writer) error {
				line(w, "pending\t%d", stats.Pending)
				line(w, "in_flight\t%d", stats.InFlight)
				line(w, "succeeded\t%d", stats.Succeeded)
				line(w, "failed_permanent\t%d", stats.FailedPermanent)
				line(w, "max_attempts\t%d", stats.MaxAttempts)
				line(w, "base_delay\t%gs", stats.BaseDelaySeconds)
				line(w, "enabled\t%t", stats.Enabled)
				return nil
			})
		},
	}
}

func newRetriesPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:     "purge",
		Short:   "Delete succeeded retry tasks",
		Example: `  stepctl retries purge --older-than 24h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return fmt.Errorf("--older-than must not be negative")
			}
			repo, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			n, err := repo.PurgeSucceeded(cmd.Context(), time.Now().UTC().Add(-olderThan))
			if err != nil {
				return err
			}
			data := map[string]int64{"purged": n}
			return rootOpts.formatter(cmd).Success(data, func(w io.Writer) error {
				line(w, "purged %d succeeded task(s)", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "only purge tasks last updated before this age")
	return cmd
}
