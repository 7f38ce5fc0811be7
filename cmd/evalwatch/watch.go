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
	"github.com/jpalmerr/evalwatch/evaluation"
)

// watchCmd follows a single evaluation in the terminal.
var watchCmd = &cobra.Command{
	Use:   "watch <evaluation-id>",
	Short: "Follow one evaluation until it finishes",
	Long: `Poll a single evaluation with the configured backoff and print every
status until it completes or is cancelled. No dashboard is served.

The backend and scope come from the config file. --scope picks a scope by
name and may be omitted when the config defines exactly one.

Exit codes:
  0 - The evaluation completed
  1 - The evaluation was cancelled, or watching failed

Example:
  evalwatch watch -c config.yaml --scope Billing 3f6c1b2e
  EVALWATCH_SCOPE=Billing evalwatch watch -c config.yaml 3f6c1b2e`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringP("config", "c", "", "path to config file")
	watchCmd.Flags().StringP("scope", "s", "", "name of the scope the evaluation belongs to")
	_ = viper.BindPFlag("scope", watchCmd.Flags().Lookup("scope"))
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build options: %w", err)
	}
	w, err := evalwatch.New(append(opts, evalwatch.WithLogger(logger))...)
	if err != nil {
		return fmt.Errorf("failed to create evalwatch: %w", err)
	}

	scope, err := pickScope(w.Scopes(), viper.GetString("scope"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	progress := evaluation.DefaultProgress
	if cfg.Polling.ProgressPath != "" {
		progress = evaluation.FirstProgress(evaluation.JSONPathProgress(cfg.Polling.ProgressPath), progress)
	}

	return follow(ctx, cmd, w, scope, args[0], progress)
}

func follow(ctx context.Context, cmd *cobra.Command, w *evalwatch.Watcher, scope evalwatch.Scope, id string, progress evaluation.ProgressExtractor) error {
	out := cmd.OutOrStdout()

	ev, err := w.Follow(ctx, scope, id, func(ev evaluation.Evaluation) {
		fmt.Fprintf(out, "%s  %-28s %s\n", time.Now().Format(time.TimeOnly), ev.Status, progressText(progress, ev))
	})
	if err != nil {
		return fmt.Errorf("watching evaluation %s: %w", id, err)
	}

	if ev.Status == evaluation.StatusCancelled {
		return fmt.Errorf("evaluation %s was cancelled", id)
	}
	return nil
}

// pickScope finds the scope called name, or the only scope when name is empty.
func pickScope(scopes []evalwatch.Scope, name string) (evalwatch.Scope, error) {
	if name == "" {
		if len(scopes) == 1 {
			return scopes[0], nil
		}
		return evalwatch.Scope{}, fmt.Errorf("config defines %d scopes, pick one with --scope", len(scopes))
	}
	for _, s := range scopes {
		if s.Name() == name {
			return s, nil
		}
	}
	return evalwatch.Scope{}, fmt.Errorf("no scope named %q in config", name)
}

func progressText(progress evaluation.ProgressExtractor, ev evaluation.Evaluation) string {
	if p, ok := progress(ev.Progress); ok {
		return fmt.Sprintf("%.1f%%", p)
	}
	return ""
}
