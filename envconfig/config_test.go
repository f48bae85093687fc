package envconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	Debug = false // Reset whatever was loaded in init()
	t.Setenv("PALETTIZE_DEBUG", "")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PALETTIZE_DEBUG", "false")
	LoadConfig()
	require.False(t, Debug)
	t.Setenv("PALETTIZE_DEBUG", "1")
	LoadConfig()
	require.True(t, Debug)
}

func TestWorkers(t *testing.T) {
	t.Setenv("PALETTIZE_WORKERS", "")
	Workers = 1
	LoadConfig()
	require.Equal(t, 1, Workers)

	t.Setenv("PALETTIZE_WORKERS", "4")
	LoadConfig()
	require.Equal(t, 4, Workers)

	// invalid values keep the previous setting
	t.Setenv("PALETTIZE_WORKERS", "0")
	LoadConfig()
	require.Equal(t, 4, Workers)

	t.Setenv("PALETTIZE_WORKERS", "not-a-number")
	LoadConfig()
	require.Equal(t, 4, Workers)
}

func TestCheckpointsDir(t *testing.T) {
	t.Setenv("PALETTIZE_CHECKPOINTS", "/srv/checkpoints")
	LoadConfig()
	require.Equal(t, "/srv/checkpoints", CheckpointsDir)

	t.Setenv("PALETTIZE_CHECKPOINTS", "")
	LoadConfig()
	require.NotEmpty(t, CheckpointsDir)
}
