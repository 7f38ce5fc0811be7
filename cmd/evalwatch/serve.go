package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jpalmerr/evalwatch"
	"github.com/jpalmerr/evalwatch/config"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd starts the evalwatch dashboard server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard server",
	Long: `Start the evalwatch dashboard server.

The server will:
  - Load configuration from the specified YAML file
  - Load the evaluations of every configured scope
  - Poll in-flight evaluations until they complete or are cancelled
  - Serve the dashboard UI on the configured port

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  evalwatch serve -c config.yaml
  EVALWATCH_PORT=9090 evalwatch serve --config /etc/evalwatch/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file")
	serveCmd.Flags().Int("port", 0, "override the configured HTTP port")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, flush, err := newLogger()
	if err != nil {
		return err
	}
	defer flush()

	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if port := viper.GetInt("port"); port != 0 {
		cfg.Port = port
	}

	logger.Info("config loaded",
		"scopes", len(cfg.Scopes),
		"scope_grids", len(cfg.ScopeGrids),
	)
	logger.Info("starting server",
		"port", cfg.Port,
		"refresh", cfg.RefreshSchedule(),
		"max_concurrency", cfg.Polling.MaxConcurrency,
	)

	// convert config to SDK options
	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	opts = append(opts, evalwatch.WithLogger(logger))

	w, err := evalwatch.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create evalwatch: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// start server - blocks until context cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	// wait for server to finish
	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
