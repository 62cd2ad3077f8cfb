package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/stepwise/internal/catalog"
	"github.com/ashureev/stepwise/internal/domain"
)

// ImportResult reports one manual written by `manuals import`.
type ImportResult struct {
	ManualID   string `json:"manual_id"`
	Title      string `json:"title"`
	TotalSteps int    `json:"total_steps"`
}

// NewManualsCommand creates the manuals command group.
func NewManualsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manuals",
		Short: "Manage manuals",
	}
	cmd.AddCommand(newManualsImportCommand(rootOpts))
	cmd.AddCommand(newManualsListCommand(rootOpts))
	return cmd
}

func newManualsImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Import manuals from a YAML file",
		Long: `Import one or more manuals from a YAML file. Multiple manuals may be
separated with "---". Each document has manual_id, title and a list of
steps with step_number, title and content.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManualsImport(cmd.Context(), rootOpts, cmd, args[0])
		},
	}
}

func runManualsImport(ctx context.Context, opts *RootOptions, cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	manuals, err := decodeManuals(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	repo, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	cat := catalog.New(repo, nil, 0, opts.logger(cmd.ErrOrStderr()))
	results := make([]ImportResult, 0, len(manuals))
	for _, m := range manuals {
		if err := cat.CreateManual(ctx, m); err != nil {
			return fmt.Errorf("import manual %q: %w", m.ID, err)
		}
		results = append(results, ImportResult{ManualID: m.ID, Title: m.Title, TotalSteps: m.TotalSteps()})
	}

	return opts.formatter(cmd).Success(results, func(w io.Writer) error {
		for _, r := range results {
			line(w, "imported\t%s\t%q\t%d steps", r.ManualID, r.Title, r.TotalSteps)
		}
		return nil
	})
}

// decodeManuals reads every YAML document in data as a manual.
func decodeManuals(data []byte) ([]*domain.Manual, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var manuals []*domain.Manual
	for {
		var m domain.Manual
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if m.ID == "" && m.Title == "" && len(m.Steps) == 0 {
			continue
		}
		manuals = append(manuals, &m)
	}
	if len(manuals) == 0 {
		return nil, errors.New("no manuals found")
	}
	return manuals, nil
}

func newManualsListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List manuals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := rootOpts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			manuals, total, err := repo.ListManuals(cmd.Context(), 0, limit)
			if err != nil {
				return err
			}
			data := map[string]interface{}{"manuals": manuals, "total": total}
			return rootOpts.formatter(cmd).Success(data, func(w io.Writer) error {
				line(w, "MANUAL\tTITLE\tCREATED")
				for _, m := range manuals {
					line(w, "%s\t%s\t%s", m.ID, m.Title, m.CreatedAt.Format("2006-01-02 15:04"))
				}
				line(w, "%d of %d", len(manuals), total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum manuals to show")
	return cmd
}
