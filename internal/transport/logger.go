package transport

import "log/slog"

// transportLogger tags log lines with the link kind ("serial", "tcp",
// "rfcomm", "ble") plus any per-connection attrs such as the target.
func transportLogger(name string, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "link", name)
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}

	return logger
}
