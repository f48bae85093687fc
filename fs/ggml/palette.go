package ggml

import (
	"encoding/binary"
	"fmt"
)

// Palettized tensor data is self describing. It opens with a fixed header,
// followed by one lookup table per group, followed by the packed indices:
//
//	uint32 groups
//	uint32 entries                 always 1<<bits for a PALn kind
//	int32  axis                    grouping axis in ne order, -1 when groups == 1
//	uint32 groupSize               channels per group, 0 when groups == 1
//	groups*entries*uint16          float16 lookup tables, group major
//	ceil(elements*bits/8) bytes    indices, packed LSB first in element order
//
// All fields are little endian. An element's index selects an entry from the
// table of the group its channel falls in.

const paletteHeaderSize = 16

// Palette holds the decoded lookup tables of a palettized tensor.
type Palette struct {
	Bits      int
	Axis      int32
	GroupSize uint32

	// Tables is one float16 lookup table per group, each 1<<Bits long.
	Tables [][]uint16
}

func paletteSize(elements uint64, bits int, groups uint32) uint64 {
	if groups == 0 {
		groups = 1
	}

	entries := uint64(1) << bits
	return paletteHeaderSize + uint64(groups)*entries*2 + (elements*uint64(bits)+7)/8
}

// Encode serializes the palette and one index per tensor element into a
// palettized data blob.
func (p *Palette) Encode(indices []uint8) ([]byte, error) {
	entries := 1 << p.Bits
	for i, table := range p.Tables {
		if len(table) != entries {
			return nil, fmt.Errorf("palette group %d has %d entries, want %d", i, len(table), entries)
		}
	}

	blob := make([]byte, 0, paletteSize(uint64(len(indices)), p.Bits, uint32(len(p.Tables))))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(p.Tables)))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(entries))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(p.Axis))
	blob = binary.LittleEndian.AppendUint32(blob, p.GroupSize)

	for _, table := range p.Tables {
		for _, bits := range table {
			blob = binary.LittleEndian.AppendUint16(blob, bits)
		}
	}

	return append(blob, packIndices(indices, p.Bits)...), nil
}

// DecodePalette parses a palettized data blob holding elements indices of
// the given width.
func DecodePalette(blob []byte, elements uint64, bits int) (*Palette, []uint8, error) {
	if len(blob) < paletteHeaderSize {
		return nil, nil, fmt.Errorf("palettized data truncated: %d bytes", len(blob))
	}

	groups := binary.LittleEndian.Uint32(blob[0:])
	entries := binary.LittleEndian.Uint32(blob[4:])
	axis := int32(binary.LittleEndian.Uint32(blob[8:]))
	groupSize := binary.LittleEndian.Uint32(blob[12:])

	if groups == 0 {
		groups = 1
	}

	if entries != 1<<bits {
		return nil, nil, fmt.Errorf("palette has %d entries, want %d", entries, 1<<bits)
	}

	if want := paletteSize(elements, bits, groups); uint64(len(blob)) < want {
		return nil, nil, fmt.Errorf("palettized data truncated: %d bytes, want %d", len(blob), want)
	}

	p := &Palette{Bits: bits, Axis: axis, GroupSize: groupSize}
	offset := uint32(paletteHeaderSize)
	for range groups {
		table := make([]uint16, entries)
		for i := range table {
			table[i] = binary.LittleEndian.Uint16(blob[offset:])
			offset += 2
		}
		p.Tables = append(p.Tables, table)
	}

	return p, unpackIndices(blob[offset:], elements, bits), nil
}

// Dequantize expands packed indices back into float16 bit patterns using the
// palette's lookup tables. The shape is in ne order, innermost dimension
// first, and is only consulted when the palette has more than one group.
func (p *Palette) Dequantize(indices []uint8, shape []uint64) []uint16 {
	out := make([]uint16, len(indices))
	if len(p.Tables) == 1 {
		table := p.Tables[0]
		for i, index := range indices {
			out[i] = table[index]
		}
		return out
	}

	stride := uint64(1)
	for k := int32(0); k < p.Axis; k++ {
		stride *= shape[k]
	}

	dim := shape[p.Axis]
	for i, index := range indices {
		channel := (uint64(i) / stride) % dim
		group := channel / uint64(p.GroupSize)
		if group >= uint64(len(p.Tables)) {
			group = uint64(len(p.Tables)) - 1
		}
		out[i] = p.Tables[group][index]
	}

	return out
}

// GroupOf returns the palette group an element belongs to.
func (p *Palette) GroupOf(element uint64, shape []uint64) int {
	if len(p.Tables) == 1 {
		return 0
	}

	stride := uint64(1)
	for k := int32(0); k < p.Axis; k++ {
		stride *= shape[k]
	}

	group := ((element / stride) % shape[p.Axis]) / uint64(p.GroupSize)
	if group >= uint64(len(p.Tables)) {
		group = uint64(len(p.Tables)) - 1
	}

	return int(group)
}

func packIndices(indices []uint8, bits int) []byte {
	packed := make([]byte, (uint64(len(indices))*uint64(bits)+7)/8)
	for i, index := range indices {
		pos := uint64(i) * uint64(bits)
		byteAt, shift := pos/8, pos%8

		v := uint32(index) << shift
		packed[byteAt] |= byte(v)
		if spill := v >> 8; spill > 0 {
			packed[byteAt+1] |= byte(spill)
		}
	}

	return packed
}

func unpackIndices(packed []byte, elements uint64, bits int) []uint8 {
	mask := uint32(1)<<bits - 1
	indices := make([]uint8, elements)
	for i := range indices {
		pos := uint64(i) * uint64(bits)
		byteAt, shift := pos/8, pos%8

		v := uint32(packed[byteAt]) >> shift
		if shift+uint64(bits) > 8 && byteAt+1 < uint64(len(packed)) {
			v |= uint32(packed[byteAt+1]) << (8 - shift)
		}

		indices[i] = uint8(v & mask)
	}

	return indices
}
