package config

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/jpalmerr/evalwatch"
)

// defaultGridName names grid scopes when no name_template is set.
const defaultGridName = "{{.name}} {{.tenant}}/{{.system}}"

// BuildOptions converts parsed configuration into SDK options.
//
// The result configures everything in cfg: backend, polling, scopes and
// dashboard. Callers append their own options (logger, callbacks) before
// passing the slice to [evalwatch.New].
func BuildOptions(cfg *Config) ([]evalwatch.Option, error) {
	scopes, err := BuildScopes(cfg)
	if err != nil {
		return nil, err
	}

	opts := []evalwatch.Option{
		evalwatch.WithBackendURL(cfg.Backend.URL),
		evalwatch.WithScopes(scopes...),
		evalwatch.WithPort(cfg.Port),
		evalwatch.WithMaxConcurrency(cfg.Polling.MaxConcurrency),
		evalwatch.WithFetchTimeout(cfg.Polling.FetchTimeout.Duration()),
		evalwatch.WithRefreshSchedule(cfg.RefreshSchedule()),
	}

	if cfg.Title != "" {
		opts = append(opts, evalwatch.WithTitle(cfg.Title))
	}

	if len(cfg.Backend.Headers) > 0 {
		opts = append(opts, evalwatch.WithHeaders(mapToKeyValuePairs(cfg.Backend.Headers)...))
	}

	if cfg.Polling.RateLimit > 0 {
		opts = append(opts, evalwatch.WithRateLimit(cfg.Polling.RateLimit, cfg.Polling.RateBurst))
	}

	if cfg.Polling.ProgressPath != "" {
		opts = append(opts, evalwatch.WithProgressPath(cfg.Polling.ProgressPath))
	}

	if cfg.Polling.Backoff != nil {
		opts = append(opts, evalwatch.WithBackoff(buildBackoff(*cfg.Polling.Backoff)))
	}

	return opts, nil
}

// BuildScopes converts configured scopes and scope grids into SDK scopes.
//
// Direct scopes come first, then each grid's expansion ordered by system,
// then tenant.
func BuildScopes(cfg *Config) ([]evalwatch.Scope, error) {
	var scopes []evalwatch.Scope

	for _, sc := range cfg.Scopes {
		s, err := evalwatch.NewScope(sc.Name, sc.Tenant, sc.System)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}

	for _, gc := range cfg.ScopeGrids {
		gridScopes, err := buildGridScopes(gc)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, gridScopes...)
	}

	return scopes, nil
}

// buildBackoff fills unset fields of bc from the default backoff.
func buildBackoff(bc BackoffConfig) evalwatch.Backoff {
	b := evalwatch.DefaultBackoff()
	b.Min = bc.Min.Duration()
	if bc.Max != 0 {
		b.Max = bc.Max.Duration()
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if bc.Growth != 0 {
		b.Growth = bc.Growth
	}
	if bc.Tiers != nil {
		b.Tiers = make([]evalwatch.Tier, 0, len(bc.Tiers))
		for _, t := range bc.Tiers {
			b.Tiers = append(b.Tiers, evalwatch.Tier{After: t.After.Duration(), Interval: t.Interval.Duration()})
		}
	}
	return b
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	// sort keys for deterministic ordering
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}

// buildGridScopes expands a ScopeGridConfig into scopes via cartesian product.
func buildGridScopes(gc ScopeGridConfig) ([]evalwatch.Scope, error) {
	nameTemplate := gc.NameTemplate
	if nameTemplate == "" {
		nameTemplate = defaultGridName
	}

	// use missingkey=error to fail fast on missing template variables
	tmpl, err := template.New("name").Option("missingkey=error").Parse(nameTemplate)
	if err != nil {
		return nil, err
	}

	combinations := cartesianProduct(map[string][]string{
		"tenant": gc.Tenants,
		"system": gc.Systems,
	})

	var scopes []evalwatch.Scope
	for _, combo := range combinations {
		combo["name"] = gc.Name

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, combo); err != nil {
			return nil, fmt.Errorf("scope grid (%s) with %s/%s: template execution failed: %w",
				gc.Name, combo["tenant"], combo["system"], err)
		}

		s, err := evalwatch.NewScope(buf.String(), combo["tenant"], combo["system"])
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}

	return scopes, nil
}

// cartesianProduct generates all combinations of dimension values.
func cartesianProduct(dimensions map[string][]string) []map[string]string {
	if len(dimensions) == 0 {
		return nil
	}

	// sort dimension keys for deterministic ordering
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// start with single empty combination
	result := []map[string]string{{}}

	for _, key := range keys {
		values := dimensions[key]
		var newResult []map[string]string

		for _, combo := range result {
			for _, val := range values {
				// copy existing combo and add new dimension
				newCombo := make(map[string]string)
				for k, v := range combo {
					newCombo[k] = v
				}
				newCombo[key] = val
				newResult = append(newResult, newCombo)
			}
		}
		result = newResult
	}

	return result
}
