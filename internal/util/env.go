// Package util holds small helpers shared across WhaleFlow components.
package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean toggle from the environment. Unset or empty
// means defaultValue; true/1/yes/on and false/0/no/off are accepted in any
// case. Anything else logs a warning and keeps the default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: unrecognized boolean value, keeping default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
}
