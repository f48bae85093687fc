package optimize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/mixbit/palettize/convert"
	"github.com/mixbit/palettize/recipe"
)

func f16(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func f16s(vs ...float32) []uint16 {
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = f16(v)
	}

	return out
}

type refTensor struct {
	name   string
	values []uint16
}

func (t refTensor) Name() string     { return t.name }
func (t refTensor) Shape() []uint64  { return []uint64{uint64(len(t.values))} }
func (t refTensor) Elements() uint64 { return uint64(len(t.values)) }

func (t refTensor) Values() ([]uint16, error) { return t.values, nil }

func testRecipe(t *testing.T, doc, name string) *recipe.Recipe {
	t.Helper()

	f, err := recipe.Parse(strings.NewReader(doc))
	require.NoError(t, err)

	r, err := f.Recipe(name)
	require.NoError(t, err)
	return r
}

func refWeights(ts ...refTensor) map[string]convert.Tensor {
	weights := make(map[string]convert.Tensor, len(ts))
	for _, t := range ts {
		weights[t.name] = t
	}

	return weights
}

// twoLayerTable is the worked example: layer_a at fingerprint 1 wants 4
// bits, layer_b at fingerprint 5 wants 6.
func twoLayerTable(t *testing.T, digests bool) *ReferenceTable {
	t.Helper()

	r := testRecipe(t, `{"model_version": "test", "recipes": {"base": {"layer_a": 4, "layer_b": 6}}}`, "base")
	table, err := NewReferenceTable(r, refWeights(
		refTensor{"layer_a.weight", f16s(1, 0, 0)},
		refTensor{"layer_b.weight", f16s(5, 0, 0)},
	), digests)
	require.NoError(t, err)
	return table
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, float64(1), Fingerprint(f16s(1, 9, 9)))
	assert.Equal(t, float64(-2.5), Fingerprint(f16s(-2.5)))
	assert.Equal(t, float64(0), Fingerprint(nil))
	assert.Equal(t, float64(0), Fingerprint([]uint16{}))
}

func TestReferenceTableOrder(t *testing.T) {
	table := twoLayerTable(t, false)
	require.Equal(t, 2, table.Len())

	entries := table.Entries()
	assert.Equal(t, "layer_a", entries[0].Layer)
	assert.Equal(t, 4, entries[0].Bits)
	assert.Equal(t, float64(1), entries[0].Fingerprint)
	assert.Equal(t, "layer_b", entries[1].Layer)
	assert.Equal(t, 6, entries[1].Bits)
	assert.Equal(t, float64(5), entries[1].Fingerprint)
}

func TestReferenceTableDuplicateFingerprint(t *testing.T) {
	r := testRecipe(t, `{"model_version": "test", "recipes": {"base": {"layer_a": 4, "layer_b": 6, "layer_c": 8}}}`, "base")
	table, err := NewReferenceTable(r, refWeights(
		refTensor{"layer_a.weight", f16s(1)},
		refTensor{"layer_b.weight", f16s(1)},
		refTensor{"layer_c.weight", f16s(9)},
	), false)
	require.NoError(t, err)

	// layer_b collides with layer_a: it takes layer_a's slot but keeps
	// its own bit width
	require.Equal(t, 2, table.Len())

	entries := table.Entries()
	assert.Equal(t, "layer_b", entries[0].Layer)
	assert.Equal(t, 6, entries[0].Bits)
	assert.Equal(t, "layer_c", entries[1].Layer)
}

func TestReferenceTableMissingWeight(t *testing.T) {
	r := testRecipe(t, `{"model_version": "test", "recipes": {"base": {"layer_a": 4, "layer_b": 6}}}`, "base")
	_, err := NewReferenceTable(r, refWeights(refTensor{"layer_a.weight", f16s(1)}), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no reference weight for layer "layer_b"`)
}

func TestReferenceTableEmpty(t *testing.T) {
	r := testRecipe(t, `{"model_version": "test", "recipes": {"base": {}, "other": {"layer_a": 4}}}`, "base")
	_, err := NewReferenceTable(r, refWeights(), false)
	require.ErrorIs(t, err, ErrEmptyTable)
}

func TestReferenceTableEmptyTensorFingerprint(t *testing.T) {
	r := testRecipe(t, `{"model_version": "test", "recipes": {"base": {"layer_a": 4}}}`, "base")
	table, err := NewReferenceTable(r, refWeights(refTensor{"layer_a.weight", nil}), false)
	require.NoError(t, err)
	assert.Equal(t, float64(0), table.Entries()[0].Fingerprint)
}

func TestNearest(t *testing.T) {
	table := twoLayerTable(t, false)

	cases := []struct {
		fp    float64
		layer string
		bits  int
	}{
		{2, "layer_a", 4},
		{4, "layer_b", 6},
		{3, "layer_a", 4}, // equidistant, earliest entry wins
		{1, "layer_a", 4},
		{5, "layer_b", 6},
		{100, "layer_b", 6},
		{-100, "layer_a", 4},
	}

	for _, tt := range cases {
		ref := table.Nearest(tt.fp)
		assert.Equalf(t, tt.layer, ref.Layer, "fingerprint %v", tt.fp)
		assert.Equalf(t, tt.bits, ref.Bits, "fingerprint %v", tt.fp)
	}
}

type fakeCandidate struct {
	name   string
	values []uint16
}

func (c fakeCandidate) Name() string     { return c.name }
func (c fakeCandidate) Elements() uint64 { return uint64(len(c.values)) }

func (c fakeCandidate) First() (uint16, error) {
	return c.values[0], nil
}

func (c fakeCandidate) Bytes() ([]byte, error) {
	out := make([]byte, 0, 2*len(c.values))
	for _, b := range c.values {
		out = append(out, byte(b), byte(b>>8))
	}

	return out, nil
}

func TestNearestMatcher(t *testing.T) {
	m, err := NewNearestMatcher(twoLayerTable(t, false))
	require.NoError(t, err)

	d, err := m.Match(fakeCandidate{"blk.0.attn_q.weight", f16s(2, 7, 7)})
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, "layer_a", d.Layer)
	assert.Equal(t, 4, d.Bits)
	assert.Equal(t, float64(1), d.Distance)

	// empty tensors fingerprint to exactly zero
	d, err = m.Match(fakeCandidate{"blk.0.empty", nil})
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, "layer_a", d.Layer)
	assert.Equal(t, float64(1), d.Distance)
}

func TestNearestMatcherEmptyTable(t *testing.T) {
	_, err := NewNearestMatcher(&ReferenceTable{})
	require.ErrorIs(t, err, ErrEmptyTable)
}

func TestDigestMatcher(t *testing.T) {
	m, err := NewDigestMatcher(twoLayerTable(t, true))
	require.NoError(t, err)

	d, err := m.Match(fakeCandidate{"blk.0.attn_q.weight", f16s(1, 0, 0)})
	require.NoError(t, err)
	assert.True(t, d.Matched)
	assert.Equal(t, "layer_a", d.Layer)
	assert.Equal(t, 4, d.Bits)

	// same fingerprint, different content: a digest miss skips
	d, err = m.Match(fakeCandidate{"blk.0.attn_k.weight", f16s(1, 0, 3)})
	require.NoError(t, err)
	assert.False(t, d.Matched)
}

func TestDigestMatcherRequiresDigests(t *testing.T) {
	_, err := NewDigestMatcher(twoLayerTable(t, false))
	require.Error(t, err)
}
