package server

import (
	"fmt"

	"github.com/decred/slog"
)

// GetDebugLevel parses a log level name.
func GetDebugLevel(debugStr string) (slog.Level, error) {
	level, ok := slog.LevelFromString(debugStr)
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown debug level: %s", debugStr)
	}
	return level, nil
}
