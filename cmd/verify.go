package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/x448/float16"

	"github.com/mixbit/palettize/convert"
	"github.com/mixbit/palettize/fs/ggml"
)

func NewVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify MODEL",
		Short: "Report reconstruction error of a palettized model",
		Args:  cobra.ExactArgs(1),
		RunE:  verifyHandler,
	}

	return cmd
}

// verifyHandler re-extracts the reference weights named by the model's
// provenance and measures how far each palettized tensor strays from them.
func verifyHandler(cmd *cobra.Command, args []string) error {
	blob, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer blob.Close()

	f, err := ggml.Decode(blob, -1)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	kv := f.KV()
	modelVersion := kv.String("palettize.model_version")
	if modelVersion == "" {
		return fmt.Errorf("%s carries no palettization provenance", args[0])
	}

	assignments := kv.Strings("palettize.tensors")
	if len(assignments) == 0 {
		fmt.Println("no tensors were palettized")
		return nil
	}

	dir, err := convert.Resolve(modelVersion)
	if err != nil {
		return err
	}

	ref, err := convert.LoadCheckpoint(dir)
	if err != nil {
		return fmt.Errorf("%s: %w", dir, err)
	}

	index := convert.Index(ref)

	var data [][]string
	ts := f.Tensors()
	for _, assignment := range assignments {
		name, layer, bits, err := parseAssignment(assignment)
		if err != nil {
			return err
		}

		t := ts.ByName(name)
		if t == nil {
			return fmt.Errorf("provenance names %s but the model has no such tensor", name)
		}

		values, err := paletteValues(blob, ts.Offset, t, bits)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		w, ok := index[layer+".weight"]
		if !ok {
			return fmt.Errorf("no reference weight for layer %q", layer)
		}

		want, err := w.Values()
		if err != nil {
			return err
		}

		maxErr, meanErr, err := reconstructionError(values, want)
		if err != nil {
			slog.Warn("cannot compare tensor", "tensor", name, "layer", layer, "error", err)
			continue
		}

		data = append(data, []string{
			name,
			layer,
			strconv.Itoa(bits),
			strconv.FormatFloat(maxErr, 'g', 4, 64),
			strconv.FormatFloat(meanErr, 'g', 4, 64),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"TENSOR", "LAYER", "BITS", "MAX ERROR", "MEAN ERROR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// parseAssignment splits a provenance entry of the form name=layer:bits.
func parseAssignment(s string) (name, layer string, bits int, err error) {
	name, rest, ok := strings.Cut(s, "=")
	i := strings.LastIndex(rest, ":")
	if !ok || i < 0 {
		return "", "", 0, fmt.Errorf("malformed provenance entry %q", s)
	}

	bits, err = strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed provenance entry %q", s)
	}

	return name, rest[:i], bits, nil
}

// paletteValues decodes a palettized tensor back to half precision bit
// patterns.
func paletteValues(r io.ReaderAt, base uint64, t *ggml.Tensor, bits int) ([]uint16, error) {
	if kindBits, ok := ggml.TensorType(t.Kind).PaletteBits(); !ok {
		return nil, fmt.Errorf("tensor is %s, not palettized", t.Type())
	} else if kindBits != bits {
		return nil, fmt.Errorf("tensor is %s but provenance says %d bits", t.Type(), bits)
	}

	raw := make([]byte, t.Size())
	if _, err := io.ReadFull(io.NewSectionReader(r, int64(base+t.Offset), int64(t.Size())), raw); err != nil {
		return nil, err
	}

	p, indices, err := ggml.DecodePalette(raw, t.Elements(), bits)
	if err != nil {
		return nil, err
	}

	return p.Dequantize(indices, t.Shape), nil
}

func reconstructionError(got, want []uint16) (maxErr, meanErr float64, err error) {
	if len(got) != len(want) {
		return 0, 0, fmt.Errorf("element count mismatch, %d against %d reference", len(got), len(want))
	}

	if len(got) == 0 {
		return 0, 0, nil
	}

	var sum float64
	for i := range got {
		d := math.Abs(float64(float16.Frombits(got[i]).Float32()) - float64(float16.Frombits(want[i]).Float32()))
		if d > maxErr {
			maxErr = d
		}

		sum += d
	}

	return maxErr, sum / float64(len(got)), nil
}
