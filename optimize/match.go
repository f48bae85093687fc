// Package optimize implements mixed precision weight palettization: matching
// compiled tensors back to their reference layers, training per tensor
// palettes, and rewriting tensor data as packed lookup indices.
package optimize

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/x448/float16"

	"github.com/mixbit/palettize/convert"
	"github.com/mixbit/palettize/recipe"
)

var ErrEmptyTable = errors.New("empty reference table")

// Fingerprint is the scalar identity of a tensor: its first element in half
// precision, or exactly 0 for an empty tensor regardless of its shape.
// It is deliberately cheap and deliberately not collision free; lookups are
// nearest-neighbor, not exact.
func Fingerprint(values []uint16) float64 {
	if len(values) == 0 {
		return 0
	}

	return fingerprintBits(values[0])
}

func fingerprintBits(b uint16) float64 {
	return float64(float16.Frombits(b).Float32())
}

// Reference is one reference table entry: a layer's fingerprint and the
// index width the recipe assigns it.
type Reference struct {
	Layer       string
	Fingerprint float64
	Bits        int

	digest [sha256.Size]byte
}

// ReferenceTable maps fingerprints to target index widths, in recipe order.
// A repeated fingerprint keeps its first position and takes the last
// layer's width.
type ReferenceTable struct {
	entries *linkedhashmap.Map

	digests bool
}

// NewReferenceTable resolves every layer of a recipe against the reference
// weights and fingerprints it. Wanting digests additionally hashes each
// reference tensor's content for exact matching.
func NewReferenceTable(r *recipe.Recipe, weights map[string]convert.Tensor, digests bool) (*ReferenceTable, error) {
	table := ReferenceTable{entries: linkedhashmap.New(), digests: digests}
	for _, entry := range r.Entries() {
		w, ok := weights[entry.Layer+".weight"]
		if !ok {
			return nil, fmt.Errorf("recipe %q: no reference weight for layer %q", r.Name(), entry.Layer)
		}

		values, err := w.Values()
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", entry.Layer, err)
		}

		ref := Reference{Layer: entry.Layer, Fingerprint: Fingerprint(values), Bits: entry.Bits}
		if digests {
			ref.digest = digestValues(values)
		}

		table.entries.Put(ref.Fingerprint, ref)
	}

	if table.entries.Size() == 0 {
		return nil, fmt.Errorf("recipe %q: %w", r.Name(), ErrEmptyTable)
	}

	return &table, nil
}

func (t *ReferenceTable) Len() int {
	if t == nil || t.entries == nil {
		return 0
	}

	return t.entries.Size()
}

// Entries lists the table in insertion order.
func (t *ReferenceTable) Entries() []Reference {
	entries := make([]Reference, 0, t.entries.Size())
	it := t.entries.Iterator()
	for it.Next() {
		entries = append(entries, it.Value().(Reference))
	}

	return entries
}

// Nearest returns the entry whose fingerprint is closest to fp by absolute
// difference, ties resolving toward the earliest entry.
func (t *ReferenceTable) Nearest(fp float64) Reference {
	it := t.entries.Iterator()
	it.Next()
	best := it.Value().(Reference)
	bestDist := absDiff(best.Fingerprint, fp)

	for it.Next() {
		ref := it.Value().(Reference)
		if d := absDiff(ref.Fingerprint, fp); d < bestDist {
			best, bestDist = ref, d
		}
	}

	return best
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}

	return b - a
}

func digestValues(values []uint16) [sha256.Size]byte {
	b := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}

	return sha256.Sum256(b)
}

// Candidate is a tensor surfaced to a Matcher: already gated by the driver
// for size and storage kind, not yet matched to a layer.
type Candidate interface {
	Name() string
	Elements() uint64

	// First reads the leading element in half precision bits. Never called
	// for an empty tensor.
	First() (uint16, error)

	// Bytes reads the raw half precision data.
	Bytes() ([]byte, error)
}

// Decision is a Matcher's verdict for one candidate.
type Decision struct {
	// Matched is false when the matcher has no entry for the candidate.
	Matched bool

	Layer    string
	Bits     int
	Distance float64
}

// Matcher resolves a candidate tensor to the reference entry that carries
// its target index width. Implementations are pure: accounting is the
// driver's business.
type Matcher interface {
	Match(c Candidate) (Decision, error)
}

// NearestMatcher matches by nearest fingerprint.
type NearestMatcher struct {
	table *ReferenceTable
}

func NewNearestMatcher(table *ReferenceTable) (*NearestMatcher, error) {
	if table.Len() == 0 {
		return nil, ErrEmptyTable
	}

	return &NearestMatcher{table: table}, nil
}

func (m *NearestMatcher) Match(c Candidate) (Decision, error) {
	fp := float64(0)
	if c.Elements() > 0 {
		first, err := c.First()
		if err != nil {
			return Decision{}, err
		}

		fp = fingerprintBits(first)
	}

	ref := m.table.Nearest(fp)
	return Decision{
		Matched:  true,
		Layer:    ref.Layer,
		Bits:     ref.Bits,
		Distance: absDiff(ref.Fingerprint, fp),
	}, nil
}

// DigestMatcher matches by exact content digest. A miss is a skip, not an
// error: tensors absent from the recipe are left alone.
type DigestMatcher struct {
	byDigest map[[sha256.Size]byte]Reference
}

func NewDigestMatcher(table *ReferenceTable) (*DigestMatcher, error) {
	if table.Len() == 0 {
		return nil, ErrEmptyTable
	}

	if !table.digests {
		return nil, errors.New("reference table built without digests")
	}

	m := DigestMatcher{byDigest: make(map[[sha256.Size]byte]Reference, table.Len())}
	for _, ref := range table.Entries() {
		if _, ok := m.byDigest[ref.digest]; !ok {
			m.byDigest[ref.digest] = ref
		}
	}

	return &m, nil
}

func (m *DigestMatcher) Match(c Candidate) (Decision, error) {
	data, err := c.Bytes()
	if err != nil {
		return Decision{}, err
	}

	ref, ok := m.byDigest[sha256.Sum256(data)]
	if !ok {
		return Decision{}, nil
	}

	return Decision{Matched: true, Layer: ref.Layer, Bits: ref.Bits}, nil
}
