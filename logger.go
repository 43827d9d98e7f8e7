package peerwire

import "log/slog"

// NopLogger returns a logger whose records are dropped without formatting.
// It is the default when no WithLogger option is given.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
