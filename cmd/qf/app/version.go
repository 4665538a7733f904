package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X".
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "dev"
)

// VersionOptions holds options for the version command
type VersionOptions struct {
	*GlobalOptions

	// Client shows only client version
	Client bool

	// Server shows only server version
	Server bool
}

// NewVersionCommand creates the version command.
//
// The version command displays version information for the CLI and/or the
// hub server. Without a hub endpoint the server queried is the one 'qf
// serve' would start.
//
// Usage:
//
//	qf version [--client] [--server]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for displaying version info
func NewVersionCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &VersionOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long: `Display version information for the qf client and hub server.

By default, shows version information for both. Use --client or --server to
show only one.`,
		Example: `  # Show both client and server versions
  qf version

  # Show only client version
  qf version --client`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Client, "client", false,
		"show client version only")
	cmd.Flags().BoolVar(&opts.Server, "server", false,
		"show server version only")

	return cmd
}

// runVersion executes the version command logic.
//
// Returns:
//   - nil on success
//   - error if server query fails (when requesting server version)
func runVersion(cmd *cobra.Command, opts *VersionOptions) error {
	showClient := opts.Client || !opts.Server
	showServer := opts.Server || !opts.Client

	if showClient {
		fmt.Fprintln(opts.out, "Client Version:")
		fmt.Fprintf(opts.out, "  Version:    %s\n", Version)
		fmt.Fprintf(opts.out, "  Build Time: %s\n", BuildTime)
		fmt.Fprintf(opts.out, "  Git Commit: %s\n", GitCommit)
	}

	if showServer {
		if showClient {
			fmt.Fprintln(opts.out)
		}

		client := getClient(opts.GlobalOptions)
		resp, err := client.ServerVersion(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get server version from %s: %w", client.Endpoint(), err)
		}

		fmt.Fprintln(opts.out, "Server Version:")
		fmt.Fprintf(opts.out, "  Version:    %s\n", resp.Version)
		fmt.Fprintf(opts.out, "  Build Time: %s\n", resp.BuildTime)
		fmt.Fprintf(opts.out, "  Git Commit: %s\n", resp.GitCommit)
	}

	return nil
}
