package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/server"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServeOptions holds options for the serve command
type ServeOptions struct {
	*GlobalOptions

	// Host is the server host address
	Host string

	// Port is the server port
	Port int

	// Token, when set, is required on uploads
	Token string
}

// NewServeCommand creates the serve command.
//
// The serve command starts a hub server backed by the local repository
// store, so that other machines can push and pull banks with --hub.
//
// Usage:
//
//	qf serve [--host HOST] [--port PORT] [--token TOKEN]
//
// Parameters:
//   - globalOpts: Global options shared across commands
//
// Returns:
//   - A configured cobra.Command for starting the server
func NewServeCommand(globalOpts *GlobalOptions) *cobra.Command {
	opts := &ServeOptions{
		GlobalOptions: globalOpts,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start a qf hub server",
		Long: `Start a hub HTTP server that serves the local repository store.

Host, port and token default to the server section of the configuration.
Press Ctrl+C to gracefully shut down the server.`,
		Example: `  # Start on default settings (localhost:11590)
  qf serve

  # Listen on all interfaces and require a token for uploads
  qf serve --host 0.0.0.0 --token s3cret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "server host address (default: localhost)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "server port (default: 11590)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token required for uploads")

	return cmd
}

// runServe executes the serve command logic.
//
// This function starts the HTTP server and shuts it down gracefully once
// the command context is cancelled (SIGINT or SIGTERM).
//
// Returns:
//   - nil on successful shutdown
//   - error if server startup or shutdown fails
func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg := opts.config
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.Token != "" {
		cfg.Server.Token = opts.Token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv := server.NewServer(cfg, server.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit})

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Press Ctrl+C to stop")
		err := srv.Start()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if isAddressInUse(err) {
			logger.Error("Port %d is already in use", cfg.Server.Port)
			err = fmt.Errorf("address already in use: %s", cfg.GetServerAddress())
		}
		errChan <- err
	}()

	select {
	case <-cmd.Context().Done():
		logger.Info("Received interrupt signal, shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		<-errChan
		logger.Info("Server stopped successfully")
		return nil

	case err := <-errChan:
		return err
	}
}

// isAddressInUse checks if the error is due to address already in use
func isAddressInUse(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "Only one usage"))
}
