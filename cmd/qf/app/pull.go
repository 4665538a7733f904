package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

// PullOptions holds options for the pull command
type PullOptions struct {
	*GlobalOptions

	// Repo is the repository to pull
	Repo string

	// Out is an optional directory to write the pulled snapshot to
	Out string
}

// NewPullCommand creates the pull command.
//
// The pull command downloads a bank, validates it by decoding it, and
// optionally writes it to a local directory.
//
// Usage:
//
//	qf pull REPO [--out DIR]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for pulling banks
func NewPullCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &PullOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "pull REPO",
		Short: "Download a bank from a repository",
		Long: `Download the bank stored at REPO and verify that it decodes.

With a hub endpoint configured, files are cached under ~/.qf/data/cache and
interrupted downloads resume where they left off.`,
		Example: `  # Pull and verify
  qf pull acme/llama-qfilters

  # Pull into a directory
  qf pull acme/llama-qfilters --out ./llama-qf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Repo = args[0]
			return runPull(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "directory to write the snapshot to")

	return cmd
}

// runPull executes the pull command logic.
func runPull(cmd *cobra.Command, opts *PullOptions) error {
	fmt.Fprintf(opts.out, "Pulling %s...\n", opts.Repo)

	bank, _, err := qfilter.Load(cmd.Context(), getPersister(opts.GlobalOptions), opts.Repo)
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", opts.Repo, err)
	}

	if opts.Out != "" {
		if _, err := snapshot.WriteDir(opts.Out, bank); err != nil {
			return err
		}
		fmt.Fprintf(opts.out, "Wrote snapshot to %s\n", opts.Out)
	}

	fmt.Fprintf(opts.out, "✓ %s\n", bank)
	return nil
}
