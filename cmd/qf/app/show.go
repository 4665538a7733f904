package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/snapshot"
)

// ShowOptions holds options for the show command
type ShowOptions struct {
	*GlobalOptions

	// Target is a snapshot directory or a repository id
	Target string

	// PerLayer prints statistics for every layer
	PerLayer bool
}

// NewShowCommand creates the show command.
//
// The show command displays the shape of a bank and summary statistics of
// its weights. A freshly initialized bank has mean close to 0 and standard
// deviation close to 1.
//
// Usage:
//
//	qf show DIR|REPO [--per-layer]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for showing bank information
func NewShowCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ShowOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "show DIR|REPO",
		Short: "Show information about a bank",
		Long: `Display the shape, element count and weight statistics of a bank.

If the argument is an existing directory it is read as a snapshot, and its
model card metadata is shown too. Otherwise it is pulled as a repository.`,
		Example: `  # Inspect a local snapshot
  qf show ./llama-qf

  # Inspect a repository, layer by layer
  qf show acme/llama-qfilters --per-layer`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Target = args[0]
			return runShow(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.PerLayer, "per-layer", false, "show statistics for each layer")

	return cmd
}

// runShow executes the show command logic.
func runShow(cmd *cobra.Command, opts *ShowOptions) error {
	var (
		bank *qfilter.Bank
		card *snapshot.CardMetadata
		err  error
	)

	if info, statErr := os.Stat(opts.Target); statErr == nil && info.IsDir() {
		bank, card, err = readSnapshot(opts.Target)
	} else {
		bank, _, err = qfilter.Load(cmd.Context(), getPersister(opts.GlobalOptions), opts.Target)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", opts.Target, err)
	}

	displayBank(opts, bank)
	if card != nil {
		displayCard(opts, card)
	}
	if opts.PerLayer {
		return displayLayers(opts, bank)
	}
	return nil
}

// readSnapshot decodes a snapshot directory and its model card, if any.
func readSnapshot(dir string) (*qfilter.Bank, *snapshot.CardMetadata, error) {
	files, err := snapshot.ReadFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	bank, _, err := snapshot.Decode(files)
	if err != nil {
		return nil, nil, err
	}
	raw, ok := files[snapshot.CardFile]
	if !ok {
		return bank, nil, nil
	}
	meta, err := snapshot.ParseCard(raw)
	if err != nil {
		return bank, nil, nil
	}
	return bank, &meta, nil
}

func displayBank(opts *ShowOptions, bank *qfilter.Bank) {
	shape := bank.Shape()
	w := toFloat64(bank.Weights().Data)
	mean, std := stat.MeanStdDev(w, nil)

	fmt.Fprintln(opts.out, "  Bank")
	fmt.Fprintf(opts.out, "    %-16s %d\n", "layers", shape[0])
	fmt.Fprintf(opts.out, "    %-16s %d\n", "kv heads", shape[1])
	fmt.Fprintf(opts.out, "    %-16s %d\n", "head dim", shape[2])
	fmt.Fprintf(opts.out, "    %-16s %d\n", "elements", len(w))
	fmt.Fprintln(opts.out)
	fmt.Fprintln(opts.out, "  Weights")
	fmt.Fprintf(opts.out, "    %-16s %.4f\n", "mean", mean)
	fmt.Fprintf(opts.out, "    %-16s %.4f\n", "std", std)
	fmt.Fprintf(opts.out, "    %-16s %.4f\n", "min", floats.Min(w))
	fmt.Fprintf(opts.out, "    %-16s %.4f\n", "max", floats.Max(w))
}

func displayCard(opts *ShowOptions, card *snapshot.CardMetadata) {
	fmt.Fprintln(opts.out)
	fmt.Fprintln(opts.out, "  Card")
	fmt.Fprintf(opts.out, "    %-16s %s\n", "library", card.LibraryName)
	if card.RepoURL != "" {
		fmt.Fprintf(opts.out, "    %-16s %s\n", "repo url", card.RepoURL)
	}
	if len(card.Tags) > 0 {
		fmt.Fprintf(opts.out, "    %-16s %s\n", "tags", strings.Join(card.Tags, ", "))
	}
}

func displayLayers(opts *ShowOptions, bank *qfilter.Bank) error {
	fmt.Fprintln(opts.out)
	fmt.Fprintf(opts.out, "  %-6s %10s %10s %12s\n", "LAYER", "MEAN", "STD", "MEAN NORM")
	shape := bank.Shape()
	for l := 0; l < shape[0]; l++ {
		row, err := bank.Weights().Row(l)
		if err != nil {
			return err
		}
		w := toFloat64(row)
		mean, std := stat.MeanStdDev(w, nil)

		var norm float64
		for h := 0; h < shape[1]; h++ {
			norm += floats.Norm(w[h*shape[2]:(h+1)*shape[2]], 2)
		}
		norm /= float64(shape[1])

		fmt.Fprintf(opts.out, "  %-6d %10.4f %10.4f %12.4f\n", l, mean, std, norm)
	}
	return nil
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
