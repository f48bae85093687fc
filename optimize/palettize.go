package optimize

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mixbit/palettize/fs/ggml"
)

// DefaultMinSize is the element count below which tensors are normally
// left uncompressed.
const DefaultMinSize = 100000

type Config struct {
	// Matcher decides which recipe entry a tensor belongs to.
	Matcher Matcher

	// Mode selects the centroid training strategy. The zero value is
	// ModeKMeans.
	Mode Mode

	// MinSize is the element count below which tensors are never
	// palettized.
	MinSize uint64

	// GroupSize, when positive, trains one palette per that many
	// channels along ChannelAxis. Zero trains a single palette per
	// tensor.
	GroupSize int

	// ChannelAxis is the row major axis GroupSize groups along.
	ChannelAxis int

	// Workers bounds concurrent clustering within a pass. Values below
	// one run sequentially.
	Workers int

	// Progress, when set, is called after each tensor of a pass.
	Progress func(bits, done, total int)
}

// work tracks one tensor through the compression passes.
type work struct {
	t    *ggml.Tensor
	src  *io.SectionReader
	blob []byte
}

func (w *work) Name() string {
	return w.t.Name
}

func (w *work) Elements() uint64 {
	return w.t.Elements()
}

func (w *work) First() (uint16, error) {
	var buf [2]byte
	if n, err := w.src.ReadAt(buf[:], 0); err != nil && n < len(buf) {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (w *work) Bytes() ([]byte, error) {
	raw := make([]byte, w.src.Size())
	if _, err := io.ReadFull(io.NewSectionReader(w.src, 0, w.src.Size()), raw); err != nil {
		return nil, err
	}

	return raw, nil
}

func (w *work) values() ([]uint16, error) {
	raw, err := w.Bytes()
	if err != nil {
		return nil, err
	}

	u16s := make([]uint16, len(raw)/2)
	for i := range u16s {
		u16s[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}

	return u16s, nil
}

// selected pairs a tensor with the recipe decision that claimed it.
type selected struct {
	w *work
	d Decision
}

// sectionWriterTo adapts an untouched tensor's file section for rewrite.
type sectionWriterTo struct {
	sr *io.SectionReader
}

func (s sectionWriterTo) WriteTo(w io.Writer) (int64, error) {
	return io.Copy(w, io.NewSectionReader(s.sr, 0, s.sr.Size()))
}

// PalettizeWeights runs one compression pass per supported bit width over
// the model, ascending. A pass only converts half precision tensors whose
// matched recipe entry names that width, so earlier conversions are never
// revisited and a 16 bit entry leaves its tensor alone. The returned
// tensors carry either the trained palette blob or a passthrough of their
// original bytes, ready for writing.
func PalettizeWeights(ctx context.Context, r io.ReaderAt, f *ggml.GGML, cfg Config) ([]*ggml.Tensor, *Stats, error) {
	if cfg.Matcher == nil {
		return nil, nil, fmt.Errorf("no matcher configured")
	}

	ts := f.Tensors()
	works := make([]*work, len(ts.Items()))
	for i, t := range ts.Items() {
		nt := *t
		works[i] = &work{
			t:   &nt,
			src: io.NewSectionReader(r, int64(ts.Offset+t.Offset), int64(t.Size())),
		}
	}

	stats := &Stats{Total: len(works)}
	for _, bits := range ggml.SupportedPaletteBits {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		// size gate first, then kind: a tensor palettized by an
		// earlier pass is no longer F16 and never reconsidered
		var batch []selected
		for _, w := range works {
			if w.t.Elements() < cfg.MinSize || w.t.Kind != uint32(ggml.TensorTypeF16) {
				continue
			}

			d, err := cfg.Matcher.Match(w)
			if err != nil {
				return nil, nil, fmt.Errorf("match %s: %w", w.t.Name, err)
			}

			if !d.Matched || d.Bits != bits {
				continue
			}

			slog.Debug("tensor selected", "tensor", w.t.Name, "layer", d.Layer, "bits", bits, "distance", d.Distance)
			batch = append(batch, selected{w, d})
		}

		if err := palettizePass(ctx, batch, bits, cfg); err != nil {
			return nil, nil, err
		}

		for _, s := range batch {
			stats.add(bits, s.w.t.Elements())
			stats.assign(s.w.t.Name, s.d.Layer, bits)
		}

		slog.Debug("pass complete", "bits", bits, "tensors", len(batch))
	}

	out := make([]*ggml.Tensor, len(works))
	for i, w := range works {
		if w.blob != nil {
			w.t.WriterTo = bytes.NewReader(w.blob)
		} else {
			w.t.WriterTo = sectionWriterTo{w.src}
		}

		out[i] = w.t
	}

	stats.Skipped = stats.Total - stats.Compressed()
	return out, stats, nil
}

func palettizePass(ctx context.Context, batch []selected, bits int, cfg Config) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.Workers, 1))

	var done atomic.Int64
	for _, s := range batch {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := palettizeTensor(s.w, bits, cfg); err != nil {
				return fmt.Errorf("palettize %s: %w", s.w.t.Name, err)
			}

			if cfg.Progress != nil {
				cfg.Progress(bits, int(done.Add(1)), len(batch))
			}

			return nil
		})
	}

	return g.Wait()
}

func palettizeTensor(w *work, bits int, cfg Config) error {
	values, err := w.values()
	if err != nil {
		return err
	}

	var p *ggml.Palette
	if cfg.GroupSize > 0 && len(w.t.Shape) > 0 {
		p, err = trainGrouped(values, w.t.Shape, w.t.Name, bits, cfg)
	} else {
		p, err = trainSingle(values, w.t.Name, bits, cfg)
	}
	if err != nil {
		return err
	}

	var indices []uint8
	if len(p.Tables) > 1 {
		indices = assignGrouped(values, p, w.t.Shape)
	} else {
		indices = assignIndices(values, p.Tables[0])
	}

	blob, err := p.Encode(indices)
	if err != nil {
		return err
	}

	kind, err := ggml.PalTensorType(bits)
	if err != nil {
		return err
	}

	w.t.Kind = uint32(kind)
	w.t.Groups = uint32(len(p.Tables))
	w.blob = blob
	return nil
}

func trainSingle(values []uint16, name string, bits int, cfg Config) (*ggml.Palette, error) {
	table, err := trainTable(values, bits, cfg.Mode, tensorSeed(name))
	if err != nil {
		return nil, err
	}

	return &ggml.Palette{Bits: bits, Axis: -1, Tables: [][]uint16{table}}, nil
}

func trainGrouped(values []uint16, shape []uint64, name string, bits int, cfg Config) (*ggml.Palette, error) {
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[len(dims)-1-i] = int(d)
	}

	sets, err := groupChannels(values, dims, cfg.ChannelAxis, cfg.GroupSize)
	if err != nil {
		return nil, err
	}

	seed := tensorSeed(name)
	tables := make([][]uint16, len(sets))
	for g, set := range sets {
		table, err := trainTable(set, bits, cfg.Mode, seed+uint64(g))
		if err != nil {
			return nil, err
		}

		tables[g] = table
	}

	if len(tables) == 1 {
		return &ggml.Palette{Bits: bits, Axis: -1, Tables: tables}, nil
	}

	return &ggml.Palette{
		Bits:      bits,
		Axis:      int32(len(shape) - 1 - cfg.ChannelAxis),
		GroupSize: uint32(cfg.GroupSize),
		Tables:    tables,
	}, nil
}

func tensorSeed(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}
