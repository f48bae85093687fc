package convert

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/x448/float16"
)

func parseTorch(_ fs.FS, dir string, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	for _, p := range ps {
		pt, err := pytorch.Load(filepath.Join(dir, p))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		dict, err := stateDict(pt)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		for _, k := range dict.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}

			v, _ := dict.Get(k)
			t, ok := v.(*pytorch.Tensor)
			if !ok {
				continue
			}

			shape := make([]uint64, len(t.Size))
			for i, dim := range t.Size {
				shape[i] = uint64(dim)
			}

			ts = append(ts, torch{
				tensor: t,
				tensorBase: &tensorBase{
					name:  name,
					shape: shape,
				},
			})
		}
	}

	return ts, nil
}

// stateDict unwraps the dict a pickle checkpoint stores its parameters in,
// looking through one level of a wrapping dict holding a "state_dict" entry.
func stateDict(v any) (*types.Dict, error) {
	dict, ok := v.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("unexpected checkpoint container %T", v)
	}

	if sd, ok := dict.Get("state_dict"); ok {
		if dict, ok = sd.(*types.Dict); !ok {
			return nil, fmt.Errorf("unexpected state_dict container %T", sd)
		}
	}

	return dict, nil
}

type torch struct {
	tensor *pytorch.Tensor

	*tensorBase
}

func (pt torch) Values() ([]uint16, error) {
	var f32s []float32
	switch s := pt.tensor.Source.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	default:
		return nil, fmt.Errorf("%s: unknown data type: %T", pt.name, s)
	}

	n := int(pt.Elements())
	offset := pt.tensor.StorageOffset
	if offset+n > len(f32s) {
		return nil, fmt.Errorf("%s: storage holds %d values, want %d", pt.name, len(f32s), n)
	}

	u16s := make([]uint16, n)
	for i, f32 := range f32s[offset : offset+n] {
		u16s[i] = float16.Fromfloat32(f32).Bits()
	}

	return u16s, nil
}
