package observability

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := NewLogger(Options{Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("evaluation list loaded", "scope", "acme", "evaluations", 3)
	require.NoError(t, sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug must be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "evaluation list loaded", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "acme", entry["scope"])
	assert.EqualValues(t, 3, entry["evaluations"])
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(Options{Level: "debug", Format: "console", Output: &buf})
	require.NoError(t, err)

	logger.Debug("poller started", "evaluation_id", "E1")
	assert.Contains(t, buf.String(), "poller started")
	assert.Contains(t, buf.String(), "E1")
}

func TestNewLogger_InvalidOptions(t *testing.T) {
	_, _, err := NewLogger(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = NewLogger(Options{Format: "xml"})
	assert.Error(t, err)
}
