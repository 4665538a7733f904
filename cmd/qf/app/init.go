package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

// InitOptions holds options for the init command
type InitOptions struct {
	*GlobalOptions

	// Layers, Heads and Dim give the bank shape
	Layers int
	Heads  int
	Dim    int

	// Seed makes the initialization reproducible when set
	Seed uint64

	// Out is a directory to write the snapshot to
	Out string

	// Repo is a repository to push the bank to
	Repo string
}

// NewInitCommand creates the init command.
//
// The init command constructs a freshly initialized bank with weights drawn
// from N(0, 1) and writes it to a directory, pushes it to a repository, or
// both.
//
// Usage:
//
//	qf init --layers L --heads H --dim D [--seed S] [--out DIR] [--repo REPO]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for creating banks
func NewInitCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &InitOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new randomly initialized bank",
		Long: `Create a new Q-Filter bank of shape (layers, heads, dim) with every weight
drawn independently from a standard normal distribution.

At least one of --out or --repo must be given.`,
		Example: `  # Bank for a Llama-3.1-8B style model, written to ./llama-qf
  qf init --layers 32 --heads 8 --dim 128 --out ./llama-qf

  # Reproducible bank pushed straight to a repository
  qf init --layers 32 --heads 8 --dim 128 --seed 42 --repo acme/llama-qfilters`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Out == "" && opts.Repo == "" {
				return fmt.Errorf("nothing to do: specify --out and/or --repo")
			}
			seeded := cmd.Flags().Changed("seed")
			return runInit(cmd, opts, seeded)
		},
	}

	cmd.Flags().IntVar(&opts.Layers, "layers", 0, "number of transformer layers")
	cmd.Flags().IntVar(&opts.Heads, "heads", 0, "number of KV heads per layer")
	cmd.Flags().IntVar(&opts.Dim, "dim", 0, "KV head dimension")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed (default: nondeterministic)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "directory to write the snapshot to")
	cmd.Flags().StringVar(&opts.Repo, "repo", "", "repository to push to (namespace/name)")
	cmd.MarkFlagRequired("layers")
	cmd.MarkFlagRequired("heads")
	cmd.MarkFlagRequired("dim")

	return cmd
}

// runInit executes the init command logic.
func runInit(cmd *cobra.Command, opts *InitOptions, seeded bool) error {
	cfg := qfilter.Config{NumLayers: opts.Layers, NumKVHeads: opts.Heads, KVHeadDim: opts.Dim}

	var bankOpts []qfilter.Option
	if seeded {
		bankOpts = append(bankOpts, qfilter.WithSeed(opts.Seed))
	}
	bank, _, err := qfilter.New(cfg, bankOpts...)
	if err != nil {
		return err
	}

	if opts.Out != "" {
		files, err := snapshot.WriteDir(opts.Out, bank)
		if err != nil {
			return err
		}
		fmt.Fprintf(opts.out, "Wrote %s to %s (%s)\n", bank, opts.Out, formatBytes(files.Size()))
	}

	if opts.Repo != "" {
		if err := qfilter.Save(cmd.Context(), getPersister(opts.GlobalOptions), bank, opts.Repo); err != nil {
			return fmt.Errorf("failed to push %s: %w", opts.Repo, err)
		}
		fmt.Fprintf(opts.out, "Pushed %s to %s\n", bank, opts.Repo)
	}

	return nil
}
