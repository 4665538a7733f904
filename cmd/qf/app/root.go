// Package app provides the command-line interface implementation for qf.
//
// This package contains all CLI commands and their implementations, built
// with cobra. Commands are organized hierarchically with a root command and
// subcommands, each following the NewXCommand/runX pattern.
package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tsingmao/qfilter/internal/config"
	"github.com/tsingmao/qfilter/internal/hub"
	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/qfilter"
)

const (
	// cliName is the name of the CLI application
	cliName = "qf"

	// cliDescription is the short description shown in help text
	cliDescription = "qf - Q-Filter banks for KV-cache compression"
)

// GlobalOptions holds options that are common to all commands
type GlobalOptions struct {
	// ConfigPath is an explicit configuration file
	ConfigPath string

	// HubURL overrides the configured hub endpoint
	HubURL string

	// Verbose enables debug logging
	Verbose bool

	// config is populated before any subcommand runs
	config *config.Config

	out    io.Writer
	errOut io.Writer
}

// NewQFCommand creates the root qf command with all subcommands.
//
// The root command loads the configuration once, applies the log level and
// registers all subcommands.
//
// Returns:
//   - A configured cobra.Command ready for execution
//
// Example:
//
//	cmd := NewQFCommand()
//	if err := cmd.Execute(); err != nil {
//	    os.Exit(1)
//	}
func NewQFCommand() *cobra.Command {
	opts := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   cliName,
		Short: cliDescription,
		Long: `qf manages Q-Filter banks: one learned direction vector per layer and
KV head of a transformer, used to score and evict KV-cache entries.

Banks are stored as hub repositories (config.json, model.safetensors and a
README.md model card). Without a hub endpoint, repositories live in the local
store under ~/.qf/data/repos. With --hub or QF_HUB_ENDPOINT set, they are
pushed to and pulled from a qf hub server (see 'qf serve').`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			opts.errOut = cmd.ErrOrStderr()
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "",
		"configuration file (default: ~/.qf/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.HubURL, "hub", "",
		"hub endpoint, e.g. http://localhost:11590 (default: local store)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false,
		"verbose output")

	cmd.AddCommand(
		NewInitCommand(opts),
		NewPushCommand(opts),
		NewPullCommand(opts),
		NewShowCommand(opts),
		NewServeCommand(opts),
		NewVersionCommand(opts),
	)

	return cmd
}

// load reads the configuration and applies the log level.
func (o *GlobalOptions) load() error {
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.HubURL != "" {
		cfg.Hub.Endpoint = o.HubURL
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if o.Verbose {
		level = logger.LevelDebug
	}
	logger.SetLevel(level)

	o.config = cfg
	return nil
}

// getPersister returns the persistence strategy selected by configuration.
//
// The strategy is chosen using the following priority:
//  1. --hub flag or QF_HUB_ENDPOINT / hub.endpoint: hub.Client
//  2. Default: hub.LocalStore under the data directory
//
// Parameters:
//   - opts: Global options holding the loaded configuration
//
// Returns:
//   - A qfilter.Persister
func getPersister(opts *GlobalOptions) qfilter.Persister {
	cfg := opts.config
	if cfg.Hub.Endpoint == "" {
		logger.Debug("Using local store at %s", cfg.Storage.GetReposDir())
		return hub.NewLocalStore(cfg.Storage.GetReposDir(), cfg.Hub.Revision)
	}

	logger.Debug("Using hub at %s", cfg.Hub.Endpoint)
	return getClient(opts)
}

// getClient creates a hub client for the configured endpoint. Transfer
// progress is written to stderr.
func getClient(opts *GlobalOptions) *hub.Client {
	cfg := opts.config
	endpoint := cfg.Hub.Endpoint
	if endpoint == "" {
		endpoint = cfg.GetServerURL()
	}
	return hub.NewClient(endpoint,
		hub.WithToken(cfg.Hub.Token),
		hub.WithRevision(cfg.Hub.Revision),
		hub.WithCacheDir(cfg.Storage.GetCacheDir()),
		hub.WithProgress(newProgressPrinter(opts.errOut)),
	)
}

// newProgressPrinter renders transfer progress on a single line per file.
func newProgressPrinter(w io.Writer) hub.ProgressFunc {
	return func(name string, done, total int64) {
		if total <= 0 {
			return
		}
		pct := float64(done) / float64(total) * 100
		fmt.Fprintf(w, "\r%-20s %6.1f%% (%s / %s)", name, pct, formatBytes(done), formatBytes(total))
		if done >= total {
			fmt.Fprintln(w)
		}
	}
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
