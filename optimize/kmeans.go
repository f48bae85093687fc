package optimize

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/x448/float16"
)

// Mode selects how palette centroids are chosen.
type Mode string

const (
	// ModeKMeans clusters values with Lloyd's algorithm.
	ModeKMeans Mode = "kmeans"

	// ModeUniform spaces centroids evenly over the value range.
	ModeUniform Mode = "uniform"

	// ModeUnique uses the distinct values themselves and fails if there
	// are more of them than palette entries.
	ModeUnique Mode = "unique"
)

func ParseMode(s string) (Mode, error) {
	switch mode := Mode(s); mode {
	case ModeKMeans, ModeUniform, ModeUnique:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown palettization mode %q", s)
	}
}

const maxIterations = 100

// histogram compresses a tensor to its distinct half precision values and
// their multiplicities. Half precision admits at most 65536 bit patterns,
// which bounds clustering cost independently of tensor size.
type histogram struct {
	values []float32
	counts []float64
}

func buildHistogram(u16s []uint16) histogram {
	counts := make(map[uint16]uint64)
	for _, b := range u16s {
		counts[b]++
	}

	patterns := make([]uint16, 0, len(counts))
	for b := range counts {
		patterns = append(patterns, b)
	}

	// ascending by value, NaN patterns last, bit pattern as the final
	// tie break so the order is total
	sort.Slice(patterns, func(i, j int) bool {
		vi := float16.Frombits(patterns[i]).Float32()
		vj := float16.Frombits(patterns[j]).Float32()

		switch {
		case vi < vj:
			return true
		case vi > vj:
			return false
		case vi == vj:
			return patterns[i] < patterns[j]
		default:
			ni := math.IsNaN(float64(vi))
			nj := math.IsNaN(float64(vj))
			if ni != nj {
				return nj
			}

			return patterns[i] < patterns[j]
		}
	})

	h := histogram{
		values: make([]float32, len(patterns)),
		counts: make([]float64, len(patterns)),
	}
	for i, b := range patterns {
		h.values[i] = float16.Frombits(b).Float32()
		h.counts[i] = float64(counts[b])
	}

	return h
}

// trainTable returns a palette of exactly 1<<bits half precision entries
// covering the given values, ascending.
func trainTable(u16s []uint16, bits int, mode Mode, seed uint64) ([]uint16, error) {
	k := 1 << bits
	table := make([]uint16, k)
	if len(u16s) == 0 {
		return table, nil
	}

	h := buildHistogram(u16s)

	var centroids []float32
	var err error
	switch mode {
	case ModeUniform:
		centroids = uniformCentroids(h, k)
	case ModeUnique:
		centroids, err = uniqueCentroids(h, k)
	default:
		centroids = kmeansCentroids(h, k, seed)
	}
	if err != nil {
		return nil, err
	}

	for i := range table {
		if i < len(centroids) {
			table[i] = float16.Fromfloat32(centroids[i]).Bits()
		} else {
			// short palettes repeat their last centroid
			table[i] = table[i-1]
		}
	}

	return table, nil
}

func kmeansCentroids(h histogram, k int, seed uint64) []float32 {
	if len(h.values) <= k {
		return slices.Clone(h.values)
	}

	rng := rand.New(rand.NewPCG(seed, uint64(k)))
	centroids := seedCentroids(h, k, rng)
	assign := make([]int, len(h.values))

	for range maxIterations {
		changed := false
		for i, v := range h.values {
			if c := nearestLinear(centroids, v); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}

		if !changed {
			break
		}

		sums := make([]float64, k)
		weights := make([]float64, k)
		for i, v := range h.values {
			sums[assign[i]] += float64(v) * h.counts[i]
			weights[assign[i]] += h.counts[i]
		}

		for j := range centroids {
			if weights[j] > 0 {
				centroids[j] = float32(sums[j] / weights[j])
			}
		}
	}

	slices.Sort(centroids)
	return centroids
}

// seedCentroids picks k starting centroids, the first by multiplicity, the
// rest by multiplicity times squared distance to the nearest pick so far.
func seedCentroids(h histogram, k int, rng *rand.Rand) []float32 {
	centroids := make([]float32, 0, k)
	centroids = append(centroids, h.values[weightedPick(h.counts, rng)])

	dist := make([]float64, len(h.values))
	for i := range dist {
		dist[i] = math.Inf(1)
	}

	scaled := make([]float64, len(h.values))
	for len(centroids) < k {
		last := centroids[len(centroids)-1]
		for i, v := range h.values {
			if d := float64(v-last) * float64(v-last); d < dist[i] {
				dist[i] = d
			}

			scaled[i] = dist[i] * h.counts[i]
		}

		centroids = append(centroids, h.values[weightedPick(scaled, rng)])
	}

	return centroids
}

func weightedPick(weights []float64, rng *rand.Rand) int {
	var total float64
	for _, w := range weights {
		total += w
	}

	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}

	return len(weights) - 1
}

func uniformCentroids(h histogram, k int) []float32 {
	lo, hi := h.values[0], h.values[0]
	for _, v := range h.values {
		if math.IsNaN(float64(v)) {
			continue
		}

		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	centroids := make([]float32, k)
	for i := range centroids {
		centroids[i] = lo + float32(i)*(hi-lo)/float32(k-1)
	}

	return centroids
}

func uniqueCentroids(h histogram, k int) ([]float32, error) {
	if len(h.values) > k {
		return nil, fmt.Errorf("%d distinct values exceed %d palette entries", len(h.values), k)
	}

	return slices.Clone(h.values), nil
}

func nearestLinear(centroids []float32, v float32) int {
	best := 0
	bestDist := math.Abs(float64(centroids[0]) - float64(v))
	for i := 1; i < len(centroids); i++ {
		if d := math.Abs(float64(centroids[i]) - float64(v)); d < bestDist {
			best, bestDist = i, d
		}
	}

	return best
}

// nearestEntry finds the index of the palette entry closest to v. The
// table is ascending; ties resolve to the lower index.
func nearestEntry(table []float32, v float32) uint8 {
	if math.IsNaN(float64(v)) {
		return 0
	}

	i := sort.Search(len(table), func(i int) bool {
		return table[i] >= v
	})

	switch {
	case i == 0:
		return 0
	case i == len(table):
		return uint8(len(table) - 1)
	}

	if left, right := v-table[i-1], table[i]-v; left <= right {
		return uint8(i - 1)
	}

	return uint8(i)
}

// assignIndices maps every element to its nearest palette entry. Distinct
// patterns resolve once, elements by lookup.
func assignIndices(u16s []uint16, table []uint16) []uint8 {
	decoded := make([]float32, len(table))
	for i, b := range table {
		decoded[i] = float16.Frombits(b).Float32()
	}

	byPattern := make(map[uint16]uint8)
	indices := make([]uint8, len(u16s))
	for i, b := range u16s {
		idx, ok := byPattern[b]
		if !ok {
			idx = nearestEntry(decoded, float16.Frombits(b).Float32())
			byPattern[b] = idx
		}

		indices[i] = idx
	}

	return indices
}
