// Package observability builds the process logger for the evalwatch binary.
//
// Library code logs through *slog.Logger; the binary backs it with zap so
// output encoding and levels are configured in one place.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Supported log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options configures [NewLogger].
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Format is "json" (default) or "console".
	Format string

	// Output defaults to stderr.
	Output io.Writer
}

// ParseLevel parses a level name, case-insensitively. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q (want debug, info, warn or error)", s)
	}
	return lvl, nil
}

// NewLogger returns a slog logger backed by a zap core, and a sync function
// that flushes buffered output. Call sync before the process exits.
func NewLogger(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", FormatJSON:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	case FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, nil, fmt.Errorf("invalid log format %q (want %s or %s)", opts.Format, FormatJSON, FormatConsole)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return slog.New(zapslog.NewHandler(core)), core.Sync, nil
}
