// Package convert reads reference checkpoints, the original pre-compilation
// parameter tensors a compiled model is matched against. Safetensors and
// pytorch pickle checkpoints are supported; every tensor is exposed in half
// precision regardless of its stored dtype.
package convert

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/mixbit/palettize/envconfig"
)

// Tensor is one parameter read from a reference checkpoint. Values are read
// lazily so a checkpoint much larger than memory can be fingerprinted one
// tensor at a time.
type Tensor interface {
	Name() string
	Shape() []uint64
	Elements() uint64

	// Values reads the tensor as half precision bit patterns, row major.
	Values() ([]uint16, error)
}

type tensorBase struct {
	name  string
	shape []uint64
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	return t.shape
}

func (t tensorBase) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.shape {
		count *= n
	}

	return count
}

// Resolve locates the checkpoint directory for a model version. A version
// naming an existing directory is used verbatim, anything else is looked up
// under the configured checkpoints directory.
func Resolve(version string) (string, error) {
	if info, err := os.Stat(version); err == nil && info.IsDir() {
		return version, nil
	}

	dir := filepath.Join(envconfig.CheckpointsDir, version)
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("no checkpoint for model version %q: %w", version, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("checkpoint %s is not a directory", dir)
	}

	return dir, nil
}

// LoadCheckpoint reads all parameter tensors of the checkpoint under dir.
func LoadCheckpoint(dir string) ([]Tensor, error) {
	fsys := os.DirFS(dir)

	patterns := []struct {
		glob string
		fn   func(fs.FS, string, ...string) ([]Tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
		{"pytorch_model-*-of-*.bin", parseTorch},
		{"pytorch_model.bin", parseTorch},
		{"consolidated.*.pth", parseTorch},
	}

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern.glob)
		if err != nil {
			return nil, err
		}

		if len(matches) == 0 {
			continue
		}

		return pattern.fn(fsys, dir, matches...)
	}

	return nil, errors.New("no checkpoint weights found")
}

// Index maps tensor names to their readers, for layer lookup.
func Index(ts []Tensor) map[string]Tensor {
	index := make(map[string]Tensor, len(ts))
	for _, t := range ts {
		index[t.Name()] = t
	}

	return index
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
