package optimize

import (
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
	"github.com/x448/float16"

	"github.com/mixbit/palettize/fs/ggml"
)

// groupChannels splits values into per group training sets along axis.
// Shape and axis are row major with the outermost dimension first, the
// layout checkpoint weights arrive in. Group g covers channels
// [g*groupSize, (g+1)*groupSize); the last group may be short.
func groupChannels(values []uint16, dims []int, axis, groupSize int) ([][]uint16, error) {
	if axis < 0 || axis >= len(dims) {
		return nil, fmt.Errorf("channel axis %d out of range for %d dimensions", axis, len(dims))
	}

	if groupSize < 1 {
		return nil, fmt.Errorf("group size must be positive, got %d", groupSize)
	}

	channels, err := splitChannels(values, dims, axis)
	if err != nil {
		return nil, err
	}

	dim := dims[axis]
	sets := make([][]uint16, (dim+groupSize-1)/groupSize)
	for g := range sets {
		lo := g * groupSize
		hi := min(lo+groupSize, dim)

		set := make([]uint16, 0, (hi-lo)*len(channels[lo]))
		for _, channel := range channels[lo:hi] {
			set = append(set, channel...)
		}

		sets[g] = set
	}

	return sets, nil
}

// splitChannels returns one row per index along axis, each holding every
// element of that channel.
func splitChannels(values []uint16, dims []int, axis int) ([][]uint16, error) {
	if axis != 0 {
		// Transpose moves data; work on a copy so the caller keeps
		// the original element order
		values = slices.Clone(values)
	}

	n := tensor.New(tensor.WithShape(dims...), tensor.WithBacking(values))
	if axis != 0 {
		perm := make([]int, 0, len(dims))
		perm = append(perm, axis)
		for d := range dims {
			if d != axis {
				perm = append(perm, d)
			}
		}

		if err := n.T(perm...); err != nil {
			return nil, err
		}

		if err := n.Transpose(); err != nil {
			return nil, err
		}
	}

	return native.SelectU16(n, 0)
}

// assignGrouped maps every element to the nearest entry of its own
// group's palette.
func assignGrouped(values []uint16, p *ggml.Palette, shape []uint64) []uint8 {
	decoded := make([][]float32, len(p.Tables))
	caches := make([]map[uint16]uint8, len(p.Tables))
	for g, table := range p.Tables {
		decoded[g] = make([]float32, len(table))
		for i, b := range table {
			decoded[g][i] = float16.Frombits(b).Float32()
		}

		caches[g] = make(map[uint16]uint8)
	}

	indices := make([]uint8, len(values))
	for i, b := range values {
		g := p.GroupOf(uint64(i), shape)
		idx, ok := caches[g][b]
		if !ok {
			idx = nearestEntry(decoded[g], float16.Frombits(b).Float32())
			caches[g][b] = idx
		}

		indices[i] = idx
	}

	return indices
}
