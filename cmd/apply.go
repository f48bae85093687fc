package cmd

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mixbit/palettize/convert"
	"github.com/mixbit/palettize/envconfig"
	"github.com/mixbit/palettize/format"
	"github.com/mixbit/palettize/fs/ggml"
	"github.com/mixbit/palettize/optimize"
	"github.com/mixbit/palettize/progress"
	"github.com/mixbit/palettize/recipe"
	"github.com/mixbit/palettize/version"
)

func NewApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a palettization recipe to a compiled model",
		Args:  cobra.NoArgs,
		RunE:  applyHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Path to write the palettized model to")
	cmd.Flags().String("mlpackage-path", "", "Path to the compiled model")
	cmd.Flags().String("pre-analysis-json-path", "", "Path to the pre-analysis file holding the recipes")
	cmd.Flags().String("selected-recipe", "", "Name of the recipe to apply")
	cmd.Flags().String("matcher", "fingerprint", "How tensors are matched to recipe layers (fingerprint or digest)")
	cmd.Flags().String("mode", "kmeans", "Palette training mode (kmeans, uniform or unique)")
	cmd.Flags().Uint64("min-size", optimize.DefaultMinSize, "Element count below which tensors are left uncompressed")
	cmd.Flags().Int("group-size", 0, "Train one palette per this many channels instead of one per tensor")
	cmd.Flags().Int("channel-axis", 0, "Axis the channel groups run along")
	cmd.Flags().Int("workers", envconfig.Workers, "Tensors to palettize concurrently within a pass")
	cmd.MarkFlagRequired("output")
	cmd.MarkFlagRequired("mlpackage-path")
	cmd.MarkFlagRequired("pre-analysis-json-path")
	cmd.MarkFlagRequired("selected-recipe")

	return cmd
}

func applyHandler(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	modelPath, _ := cmd.Flags().GetString("mlpackage-path")
	recipePath, _ := cmd.Flags().GetString("pre-analysis-json-path")
	recipeName, _ := cmd.Flags().GetString("selected-recipe")
	matcherName, _ := cmd.Flags().GetString("matcher")
	modeName, _ := cmd.Flags().GetString("mode")
	minSize, _ := cmd.Flags().GetUint64("min-size")
	groupSize, _ := cmd.Flags().GetInt("group-size")
	channelAxis, _ := cmd.Flags().GetInt("channel-axis")
	workers, _ := cmd.Flags().GetInt("workers")

	if filepath.Ext(recipePath) != ".json" {
		return fmt.Errorf("pre-analysis path %s: not a .json file", recipePath)
	}

	for _, path := range []string{recipePath, modelPath} {
		if _, err := os.Stat(path); err != nil {
			return err
		}
	}

	mode, err := optimize.ParseMode(modeName)
	if err != nil {
		return err
	}

	if matcherName != "fingerprint" && matcherName != "digest" {
		return fmt.Errorf("unknown matcher %q, expect fingerprint or digest", matcherName)
	}

	file, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}

	r, err := file.Recipe(recipeName)
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner(fmt.Sprintf("loading reference checkpoint %s", file.ModelVersion))
	p.Add(spinner)

	matcher, err := newMatcher(matcherName, file.ModelVersion, r)
	if err != nil {
		spinner.Stop()
		return err
	}

	spinner.SetMessage(fmt.Sprintf("reading %s", modelPath))

	blob, err := os.Open(modelPath)
	if err != nil {
		spinner.Stop()
		return err
	}
	defer blob.Close()

	// rewriting requires every metadata array intact
	f, err := ggml.Decode(blob, -1)
	if err != nil {
		spinner.Stop()
		return fmt.Errorf("%s: %w", modelPath, err)
	}

	spinner.Stop()

	var mu sync.Mutex
	bars := make(map[int]*progress.Bar)

	ts, stats, err := optimize.PalettizeWeights(cmd.Context(), blob, f, optimize.Config{
		Matcher:     matcher,
		Mode:        mode,
		MinSize:     minSize,
		GroupSize:   groupSize,
		ChannelAxis: channelAxis,
		Workers:     workers,
		Progress: func(bits, done, total int) {
			mu.Lock()
			defer mu.Unlock()

			bar := bars[bits]
			if bar == nil {
				bar = progress.NewBar(fmt.Sprintf("palettizing to %d bits", bits), int64(total))
				bars[bits] = bar
				p.Add(bar)
			}

			bar.Set(int64(done))
		},
	})
	if err != nil {
		return err
	}

	p.Stop()

	reportStats(stats)

	kv := maps.Clone(f.KV())
	kv["palettize.version"] = version.Version
	kv["palettize.recipe"] = recipeName
	kv["palettize.model_version"] = file.ModelVersion
	kv["palettize.uuid"] = uuid.NewString()
	if converted := assignmentList(stats); len(converted) > 0 {
		kv["palettize.tensors"] = converted
	}

	if err := saveModel(output, kv, ts); err != nil {
		return err
	}

	info, err := os.Stat(output)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %s (%s)\n", output, format.HumanBytes(info.Size()))
	return nil
}

// newMatcher extracts the recipe's reference weights and binds them to the
// requested matching strategy.
func newMatcher(name, modelVersion string, r *recipe.Recipe) (optimize.Matcher, error) {
	dir, err := convert.Resolve(modelVersion)
	if err != nil {
		return nil, err
	}

	ref, err := convert.LoadCheckpoint(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	table, err := optimize.NewReferenceTable(r, convert.Index(ref), name == "digest")
	if err != nil {
		return nil, err
	}

	if name == "digest" {
		return optimize.NewDigestMatcher(table)
	}

	return optimize.NewNearestMatcher(table)
}

func assignmentList(stats *optimize.Stats) []string {
	converted := make([]string, 0, len(stats.Assignments))
	for name, a := range stats.Assignments {
		converted = append(converted, fmt.Sprintf("%s=%s:%d", name, a.Layer, a.Bits))
	}

	slices.Sort(converted)
	return converted
}

func reportStats(stats *optimize.Stats) {
	fmt.Printf("palettized %d of %d tensors\n", stats.Compressed(), stats.Total)

	avg, ok := stats.AverageBits()
	if !ok {
		slog.Warn("no tensors were compressed, saving the model unchanged")
		return
	}

	var data [][]string
	for _, bits := range stats.Bits() {
		ps := stats.Pass(bits)
		data = append(data, []string{
			strconv.Itoa(bits),
			strconv.Itoa(ps.Tensors),
			format.HumanNumber(ps.Elements),
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"BITS", "TENSORS", "ELEMENTS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Printf("average %s per compressed element\n", format.HumanBits(avg))
}

// saveModel writes the rewritten container next to its destination and
// renames it into place so a failed run never leaves a torn file.
func saveModel(path string, kv ggml.KV, ts []*ggml.Tensor) error {
	temp, err := os.CreateTemp(filepath.Dir(path), "palettize-")
	if err != nil {
		return err
	}
	defer temp.Close()
	defer os.Remove(temp.Name())

	if err := ggml.WriteGGUF(temp, kv, ts); err != nil {
		return err
	}

	if err := temp.Sync(); err != nil {
		return err
	}

	if err := temp.Close(); err != nil {
		return err
	}

	return os.Rename(temp.Name(), path)
}
