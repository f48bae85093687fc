package optimize

import "slices"

// PassStats counts what one bit width compressed.
type PassStats struct {
	Tensors  int
	Elements uint64
}

// Assignment records which recipe layer claimed a tensor and at what width.
type Assignment struct {
	Layer string
	Bits  int
}

// Stats accumulates palettization results across compression passes.
type Stats struct {
	// Total is the number of weight tensors examined.
	Total int

	// Skipped is the number left uncompressed, whether below the size
	// threshold, not half precision, or matched to a 16 bit entry.
	Skipped int

	// Assignments maps compressed tensor names to the recipe entry that
	// selected them.
	Assignments map[string]Assignment

	passes map[int]*PassStats
}

func (s *Stats) add(bits int, elements uint64) {
	if s.passes == nil {
		s.passes = make(map[int]*PassStats)
	}

	ps := s.passes[bits]
	if ps == nil {
		ps = &PassStats{}
		s.passes[bits] = ps
	}

	ps.Tensors++
	ps.Elements += elements
}

func (s *Stats) assign(name, layer string, bits int) {
	if s.Assignments == nil {
		s.Assignments = make(map[string]Assignment)
	}

	s.Assignments[name] = Assignment{Layer: layer, Bits: bits}
}

// Bits lists the widths that compressed at least one tensor, ascending.
func (s *Stats) Bits() []int {
	bits := make([]int, 0, len(s.passes))
	for b := range s.passes {
		bits = append(bits, b)
	}

	slices.Sort(bits)
	return bits
}

func (s *Stats) Pass(bits int) PassStats {
	if ps := s.passes[bits]; ps != nil {
		return *ps
	}

	return PassStats{}
}

// Compressed is the number of tensors palettized across all passes.
func (s *Stats) Compressed() int {
	var n int
	for _, ps := range s.passes {
		n += ps.Tensors
	}

	return n
}

// AverageBits is the element weighted mean width over compressed tensors.
// ok is false when nothing compressed.
func (s *Stats) AverageBits() (float64, bool) {
	var weighted float64
	var elements uint64
	for b, ps := range s.passes {
		weighted += float64(b) * float64(ps.Elements)
		elements += ps.Elements
	}

	if elements == 0 {
		return 0, false
	}

	return weighted / float64(elements), true
}
