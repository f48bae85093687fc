package convert

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

func parseSafetensors(fsys fs.FS, _ string, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		f, err := fsys.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var n int64
		if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
			return nil, err
		}

		b := make([]byte, n)
		if _, err := io.ReadFull(f, b); err != nil {
			return nil, err
		}

		var headers map[string]safetensorMetadata
		if err := json.Unmarshal(b, &headers); err != nil {
			return nil, err
		}

		for _, key := range sortedKeys(headers) {
			value := headers[key]
			if value.Type == "" {
				// __metadata__ and friends
				continue
			}

			ts = append(ts, safetensor{
				fs:     fsys,
				path:   p,
				dtype:  value.Type,
				offset: safetensorsPad(n, value.Offsets[0]),
				size:   value.Offsets[1] - value.Offsets[0],
				tensorBase: &tensorBase{
					name:  key,
					shape: value.Shape,
				},
			})
		}
	}

	return ts, nil
}

// safetensorsPad returns the padded offset of a tensor into its file: count
// length, header length, then the tensor's own offset into the data region.
func safetensorsPad(n, offset int64) int64 {
	return 8 + n + offset
}

type safetensor struct {
	fs     fs.FS
	path   string
	dtype  string
	offset int64
	size   int64

	*tensorBase
}

func (st safetensor) Values() ([]uint16, error) {
	f, err := st.fs.Open(st.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(st.offset, io.SeekStart); err != nil {
			return nil, err
		}
	} else if _, err := io.CopyN(io.Discard, f, st.offset); err != nil {
		return nil, err
	}

	switch st.dtype {
	case "F32":
		f32s := make([]float32, st.size/4)
		if err := binary.Read(f, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}

		u16s := make([]uint16, len(f32s))
		for i, f32 := range f32s {
			u16s[i] = float16.Fromfloat32(f32).Bits()
		}

		return u16s, nil
	case "F16":
		u16s := make([]uint16, st.size/2)
		if err := binary.Read(f, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		return u16s, nil
	case "BF16":
		u8s := make([]byte, st.size)
		if _, err := io.ReadFull(f, u8s); err != nil {
			return nil, err
		}

		u16s := make([]uint16, st.size/2)
		for i, f32 := range bfloat16.DecodeFloat32(u8s) {
			u16s[i] = float16.Fromfloat32(f32).Bits()
		}

		return u16s, nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", st.dtype)
	}
}
