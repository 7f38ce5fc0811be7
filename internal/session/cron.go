package session

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}

// ValidateSchedule checks a refresh schedule: a standard five-field cron
// expression or a descriptor such as "@every 1m". Empty is valid and
// disables refreshing.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}
