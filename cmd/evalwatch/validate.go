package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/evalwatch/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate an evalwatch configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  evalwatch validate -c config.yaml
  evalwatch validate --config /etc/evalwatch/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// scope names must be unique across direct scopes and grids
	scopes, err := config.BuildScopes(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if seen[s.Name()] {
			return fmt.Errorf("invalid config: duplicate scope name %q", s.Name())
		}
		seen[s.Name()] = true
	}

	refresh := cfg.RefreshSchedule()
	if refresh == "" {
		refresh = "off"
	}

	direct := len(cfg.Scopes)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Backend:       %s\n", cfg.Backend.URL)
	fmt.Fprintf(out, "  Port:          %d\n", cfg.Port)
	fmt.Fprintf(out, "  Refresh:       %s\n", refresh)
	fmt.Fprintf(out, "  Scopes:        %d direct + %d from grids = %d total\n",
		direct, len(scopes)-direct, len(scopes))

	return nil
}
