package evaluation

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ProgressExtractor reads a numeric progress indicator from an evaluation's
// opaque progress payload.
//
// It returns false when the payload carries no usable number. Extractors
// must be pure: the same payload always yields the same result.
type ProgressExtractor func(progress json.RawMessage) (float64, bool)

// JSONPathProgress returns a [ProgressExtractor] that walks a dot-separated
// path through nested JSON objects and reads the number found there.
//
// Numeric strings such as "42.5" are accepted. Any other value, a missing
// field, or invalid JSON yields false.
//
// Example:
//
//	// For progress: {"stats": {"percentage": 40}}
//	extractor := evaluation.JSONPathProgress("stats.percentage")
func JSONPathProgress(path string) ProgressExtractor {
	parts := strings.Split(path, ".")

	return func(progress json.RawMessage) (float64, bool) {
		if len(progress) == 0 {
			return 0, false
		}

		var data interface{}
		if err := json.Unmarshal(progress, &data); err != nil {
			return 0, false
		}

		return extractNumber(data, parts)
	}
}

// extractNumber walks a decoded JSON structure using dot notation parts.
func extractNumber(data interface{}, parts []string) (float64, bool) {
	current := data

	for _, part := range parts {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return 0, false
		}
		current, ok = obj[part]
		if !ok {
			return 0, false
		}
	}

	switch v := current.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FirstProgress returns a [ProgressExtractor] that tries each extractor in
// order and returns the first number found.
func FirstProgress(extractors ...ProgressExtractor) ProgressExtractor {
	return func(progress json.RawMessage) (float64, bool) {
		for _, extractor := range extractors {
			if v, ok := extractor(progress); ok {
				return v, true
			}
		}
		return 0, false
	}
}

// DefaultProgress is the [ProgressExtractor] used when none is configured.
//
// It looks for "percentage", then "progress", then "completion_percentage"
// at the top level of the payload.
var DefaultProgress = FirstProgress(
	JSONPathProgress("percentage"),
	JSONPathProgress("progress"),
	JSONPathProgress("completion_percentage"),
)
