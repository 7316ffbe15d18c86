package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/LibreQoE/bufferbloat-test/internal/core/domain"
	"github.com/LibreQoE/bufferbloat-test/theme"
)

// StyledLogger wraps slog.Logger with Theme-aware formatting
type StyledLogger struct {
	logger *slog.Logger
	Theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		Theme:  theme,
	}
}

func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Counts.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithPersona(msg string, persona string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Persona.Sprint(persona))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithPersona(msg string, persona string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Persona.Sprint(persona))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithPersona(msg string, persona string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Persona.Sprint(persona))
	sl.logger.Error(styledMsg, args...)
}

func (sl *StyledLogger) InfoWithGrade(msg string, grade string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.Theme.Grade.Sprint(grade))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) InfoWorkerStatus(msg string, persona string, status domain.WorkerStatus, args ...any) {
	var statusColor pterm.Color
	var statusText string

	switch status {
	case domain.WorkerHealthy:
		statusColor = sl.Theme.HealthHealthy
		statusText = "Healthy"
	case domain.WorkerUnhealthy:
		statusColor = sl.Theme.HealthUnhealthy
		statusText = "Unhealthy"
	case domain.WorkerOffline:
		statusColor = sl.Theme.HealthOffline
		statusText = "Offline"
	case domain.WorkerStarting:
		statusColor = sl.Theme.HealthStarting
		statusText = "Starting"
	default:
		statusColor = sl.Theme.HealthUnhealthy
		statusText = "Unknown"
	}
	styledMsg := fmt.Sprintf("%s %s is %s", msg,
		sl.Theme.Persona.Sprint(persona),
		pterm.Style{statusColor}.Sprint(statusText))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

func (sl *StyledLogger) WithTestID(testID string) *StyledLogger {
	return sl.With("test_id", testID)
}

func (sl *StyledLogger) WithConnectionID(connID string) *StyledLogger {
	return sl.With("connection_id", connID)
}

func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}

func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		Theme:  sl.Theme,
	}
}
