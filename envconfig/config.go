package envconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// Set via PALETTIZE_DEBUG in the environment
	Debug bool
	// Set via PALETTIZE_CHECKPOINTS in the environment
	CheckpointsDir string
	// Set via PALETTIZE_WORKERS in the environment
	Workers int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"PALETTIZE_DEBUG":       {"PALETTIZE_DEBUG", Debug, "Show additional debug information (e.g. PALETTIZE_DEBUG=1)"},
		"PALETTIZE_CHECKPOINTS": {"PALETTIZE_CHECKPOINTS", CheckpointsDir, "The path to the reference checkpoints directory"},
		"PALETTIZE_WORKERS":     {"PALETTIZE_WORKERS", Workers, "Number of tensors to palettize concurrently within a pass (default 1)"},
	}
}

// LogLevel is the slog level selected by PALETTIZE_DEBUG.
func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	Workers = 1

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("PALETTIZE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	CheckpointsDir = clean("PALETTIZE_CHECKPOINTS")
	if CheckpointsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to lookup home directory", "error", err)
		} else {
			CheckpointsDir = filepath.Join(home, ".palettize", "checkpoints")
		}
	}

	if workers := clean("PALETTIZE_WORKERS"); workers != "" {
		val, err := strconv.Atoi(workers)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "PALETTIZE_WORKERS", workers, "error", err)
		} else {
			Workers = val
		}
	}
}
