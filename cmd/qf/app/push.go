package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

// PushOptions holds options for the push command
type PushOptions struct {
	*GlobalOptions

	// Dir is the snapshot directory to publish
	Dir string

	// Repo is the target repository
	Repo string
}

// NewPushCommand creates the push command.
//
// Usage:
//
//	qf push DIR REPO
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for publishing banks
func NewPushCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &PushOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "push DIR REPO",
		Short: "Publish a bank snapshot to a repository",
		Long: `Read the bank snapshot in DIR and publish it to REPO.

The snapshot is decoded and validated before anything is written, so a
corrupt directory is never published.`,
		Example: `  # Publish to the local store
  qf push ./llama-qf acme/llama-qfilters

  # Publish to a hub server
  qf --hub http://hub.internal:11590 push ./llama-qf acme/llama-qfilters`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Dir = args[0]
			opts.Repo = args[1]
			return runPush(cmd, opts)
		},
	}

	return cmd
}

// runPush executes the push command logic.
func runPush(cmd *cobra.Command, opts *PushOptions) error {
	bank, _, err := snapshot.ReadDir(opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to read snapshot %s: %w", opts.Dir, err)
	}

	fmt.Fprintf(opts.out, "Pushing %s to %s...\n", bank, opts.Repo)
	if err := qfilter.Save(cmd.Context(), getPersister(opts.GlobalOptions), bank, opts.Repo); err != nil {
		return fmt.Errorf("failed to push %s: %w", opts.Repo, err)
	}

	fmt.Fprintf(opts.out, "✓ Pushed %s\n", opts.Repo)
	return nil
}
