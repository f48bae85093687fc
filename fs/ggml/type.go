package ggml

import "fmt"

// TensorType is equivalent to ggml_type for individual tensor types.
type TensorType uint32

const (
	TensorTypeF32 TensorType = iota
	TensorTypeF16
	TensorTypeQ4_0
	TensorTypeQ4_1
	tensorTypeQ4_2 // unused by GGML
	tensorTypeQ4_3 // unused by GGML
	TensorTypeQ5_0
	TensorTypeQ5_1
	TensorTypeQ8_0
	TensorTypeQ8_1
	TensorTypeQ2_K
	TensorTypeQ3_K
	TensorTypeQ4_K
	TensorTypeQ5_K
	TensorTypeQ6_K
	TensorTypeQ8_K
	tensorTypeIQ2_XXS
	tensorTypeIQ2_XS
	tensorTypeIQ3_XXS
	tensorTypeIQ1_S
	tensorTypeIQ4_NL
	tensorTypeIQ3_S
	tensorTypeIQ2_S
	tensorTypeIQ4_XS
	TensorTypeI8
	TensorTypeI16
	TensorTypeI32
	TensorTypeI64
	TensorTypeF64
	tensorTypeIQ1_M
	TensorTypeBF16

	// Palettized kinds live above the range GGML allocates. A tensor of one
	// of these kinds stores a lookup table of float16 centroids followed by
	// bit-packed indices instead of raw scalars.
	TensorTypePAL1 TensorType = 40
	TensorTypePAL2 TensorType = 41
	TensorTypePAL4 TensorType = 42
	TensorTypePAL6 TensorType = 43
	TensorTypePAL8 TensorType = 44
)

func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeQ4_0:
		return "Q4_0"
	case TensorTypeQ4_1:
		return "Q4_1"
	case TensorTypeQ5_0:
		return "Q5_0"
	case TensorTypeQ5_1:
		return "Q5_1"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeQ8_1:
		return "Q8_1"
	case TensorTypeQ2_K:
		return "Q2_K"
	case TensorTypeQ3_K:
		return "Q3_K"
	case TensorTypeQ4_K:
		return "Q4_K"
	case TensorTypeQ5_K:
		return "Q5_K"
	case TensorTypeQ6_K:
		return "Q6_K"
	case TensorTypeQ8_K:
		return "Q8_K"
	case tensorTypeIQ2_XXS:
		return "IQ2_XXS"
	case tensorTypeIQ2_XS:
		return "IQ2_XS"
	case tensorTypeIQ3_XXS:
		return "IQ3_XXS"
	case tensorTypeIQ1_S:
		return "IQ1_S"
	case tensorTypeIQ4_NL:
		return "IQ4_NL"
	case tensorTypeIQ3_S:
		return "IQ3_S"
	case tensorTypeIQ2_S:
		return "IQ2_S"
	case tensorTypeIQ4_XS:
		return "IQ4_XS"
	case TensorTypeI8:
		return "I8"
	case TensorTypeI16:
		return "I16"
	case TensorTypeI32:
		return "I32"
	case TensorTypeI64:
		return "I64"
	case TensorTypeF64:
		return "F64"
	case tensorTypeIQ1_M:
		return "IQ1_M"
	case TensorTypeBF16:
		return "BF16"
	case TensorTypePAL1:
		return "PAL1"
	case TensorTypePAL2:
		return "PAL2"
	case TensorTypePAL4:
		return "PAL4"
	case TensorTypePAL6:
		return "PAL6"
	case TensorTypePAL8:
		return "PAL8"
	default:
		return "unknown"
	}
}

// PaletteBits reports the index width of a palettized kind. The second
// return is false for every non-palettized kind.
func (t TensorType) PaletteBits() (int, bool) {
	switch t {
	case TensorTypePAL1:
		return 1, true
	case TensorTypePAL2:
		return 2, true
	case TensorTypePAL4:
		return 4, true
	case TensorTypePAL6:
		return 6, true
	case TensorTypePAL8:
		return 8, true
	default:
		return 0, false
	}
}

// PalTensorType returns the palettized kind for an index width.
func PalTensorType(bits int) (TensorType, error) {
	switch bits {
	case 1:
		return TensorTypePAL1, nil
	case 2:
		return TensorTypePAL2, nil
	case 4:
		return TensorTypePAL4, nil
	case 6:
		return TensorTypePAL6, nil
	case 8:
		return TensorTypePAL8, nil
	default:
		return 0, fmt.Errorf("no palettized tensor type for %d bits", bits)
	}
}
