package cachelock

import "log/slog"

// logInfo records an informational message, if a logger is configured.
func logInfo(logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Info(msg, args...)
	}
}

// logWarn records a warning, if a logger is configured.
func logWarn(logger *slog.Logger, msg string, args ...any) {
	if logger != nil {
		logger.Warn(msg, args...)
	}
}
