package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mixbit/palettize/recipe"
)

func NewRecipesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "List the recipes in a pre-analysis file",
		Args:  cobra.NoArgs,
		RunE:  recipesHandler,
	}

	cmd.Flags().String("pre-analysis-json-path", "", "Path to the pre-analysis file holding the recipes")
	cmd.MarkFlagRequired("pre-analysis-json-path")

	return cmd
}

func recipesHandler(cmd *cobra.Command, args []string) error {
	recipePath, _ := cmd.Flags().GetString("pre-analysis-json-path")
	if filepath.Ext(recipePath) != ".json" {
		return fmt.Errorf("pre-analysis path %s: not a .json file", recipePath)
	}

	file, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}

	fmt.Printf("model version %s\n\n", file.ModelVersion)

	var data [][]string
	for _, r := range file.Recipes() {
		data = append(data, []string{r.Name(), strconv.Itoa(r.Len()), bitCounts(r)})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"RECIPE", "LAYERS", "BITS"})
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

// bitCounts summarizes a recipe as width:layers pairs, ascending, with the
// 16 sentinel last for layers the recipe leaves uncompressed.
func bitCounts(r *recipe.Recipe) string {
	counts := make(map[int]int)
	for _, e := range r.Entries() {
		counts[e.Bits]++
	}

	var parts []string
	for _, bits := range recipe.SupportedBits {
		if n := counts[bits]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d:%d", bits, n))
		}
	}

	return strings.Join(parts, " ")
}
