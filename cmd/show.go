package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mixbit/palettize/format"
	"github.com/mixbit/palettize/fs/ggml"
)

func NewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show MODEL",
		Short: "Show model metadata and palettization provenance",
		Args:  cobra.ExactArgs(1),
		RunE:  showHandler,
	}

	return cmd
}

// provenance is the stamp apply leaves in the container metadata.
type provenance struct {
	Version      string `mapstructure:"palettize.version"`
	Recipe       string `mapstructure:"palettize.recipe"`
	ModelVersion string `mapstructure:"palettize.model_version"`
	UUID         string `mapstructure:"palettize.uuid"`
}

func showHandler(cmd *cobra.Command, args []string) error {
	blob, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer blob.Close()

	f, err := ggml.Decode(blob, -1)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	out := os.Stdout
	prettyPrintModel(out, f)

	var p provenance
	if err := mapstructure.Decode(map[string]any(f.KV()), &p); err != nil {
		return err
	}

	if p.Recipe != "" {
		fmt.Fprint(out, "\n")
		prettyPrintProvenance(out, p, f.KV().Strings("palettize.tensors"))
	}

	fmt.Fprint(out, "\n")
	prettyPrintKinds(out, f.Tensors().Items())

	return nil
}

func prettyPrintModel(out io.Writer, f *ggml.GGML) {
	kv := f.KV()

	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	data := [][]string{
		{" ", "Architecture:", kv.Architecture()},
		{" ", "Tensors:", strconv.Itoa(len(f.Tensors().Items()))},
		{" ", "Alignment:", strconv.Itoa(int(kv.Alignment()))},
	}

	if name := kv.String("general.name"); name != "" {
		data = slices.Insert(data, 1, []string{" ", "Name:", name})
	}

	if n := kv.ParameterCount(); n > 0 {
		data = append(data, []string{" ", "Parameters:", format.HumanNumber(n)})
	}

	fmt.Fprint(out, "Model:\n")
	table.AppendBulk(data)
	table.Render()
}

func prettyPrintProvenance(out io.Writer, p provenance, tensors []string) {
	table := tablewriter.NewWriter(out)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding(" ")

	data := [][]string{
		{" ", "Recipe:", p.Recipe},
		{" ", "Model Version:", p.ModelVersion},
		{" ", "Palettized:", strconv.Itoa(len(tensors)) + " tensors"},
		{" ", "Tool Version:", p.Version},
		{" ", "Run:", p.UUID},
	}

	fmt.Fprint(out, "Palettization:\n")
	table.AppendBulk(data)
	table.Render()
}

func prettyPrintKinds(out io.Writer, ts []*ggml.Tensor) {
	counts := make(map[string]int)
	sizes := make(map[string]uint64)
	for _, t := range ts {
		counts[t.Type()]++
		sizes[t.Type()] += t.Size()
	}

	kinds := make([]string, 0, len(counts))
	for kind := range counts {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	var data [][]string
	for _, kind := range kinds {
		data = append(data, []string{kind, strconv.Itoa(counts[kind]), format.HumanBytes(int64(sizes[kind]))})
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"KIND", "TENSORS", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
