package recipe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsFileOrder(t *testing.T) {
	file, err := Parse(strings.NewReader(`{
		"model_version": "test-v1",
		"recipes": {
			"recipe_4.5_bit": {
				"down_blocks.0.attentions.0.proj_in": 4,
				"mid_block.resnets.0.conv1": 8,
				"up_blocks.2.resnets.1.conv2": 2
			},
			"recipe_2.0_bit": {"down_blocks.0.attentions.0.proj_in": 1}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "test-v1", file.ModelVersion)
	assert.Equal(t, []string{"recipe_4.5_bit", "recipe_2.0_bit"}, file.Names())

	r, err := file.Recipe("recipe_4.5_bit")
	require.NoError(t, err)
	assert.Equal(t, "recipe_4.5_bit", r.Name())

	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Layer: "down_blocks.0.attentions.0.proj_in", Bits: 4}, entries[0])
	assert.Equal(t, Entry{Layer: "mid_block.resnets.0.conv1", Bits: 8}, entries[1])
	assert.Equal(t, Entry{Layer: "up_blocks.2.resnets.1.conv2", Bits: 2}, entries[2])
}

func TestParseDuplicateLayer(t *testing.T) {
	file, err := Parse(strings.NewReader(`{
		"model_version": "v",
		"recipes": {
			"r": {"a": 2, "b": 4, "a": 8}
		}
	}`))
	require.NoError(t, err)

	r, err := file.Recipe("r")
	require.NoError(t, err)

	entries := r.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Layer: "a", Bits: 8}, entries[0], "last value wins, first position kept")
	assert.Equal(t, Entry{Layer: "b", Bits: 4}, entries[1])
}

func TestParseSkipsUnknownSections(t *testing.T) {
	file, err := Parse(strings.NewReader(`{
		"meta": {"generated": "2024-01-01", "sizes": [1, 2, 3]},
		"cumulative": {"outputs": {"a": [0.5, 0.25]}},
		"model_version": "v",
		"recipes": {"r": {"a": 4}},
		"trailing": null
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"r"}, file.Names())
}

func TestParseNoRecipes(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"model_version": "x"}`))
	require.ErrorIs(t, err, ErrNoRecipes)

	_, err = Parse(strings.NewReader(`{"model_version": "x", "recipes": {}}`))
	require.ErrorIs(t, err, ErrNoRecipes)
}

func TestParseMissingModelVersion(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"recipes": {"r": {"a": 4}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_version")
}

func TestParseBadBits(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"model_version": "v", "recipes": {"r": {"a": 3}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported bits 3")
	assert.Contains(t, err.Error(), `layer "a"`)

	_, err = Parse(strings.NewReader(`{"model_version": "v", "recipes": {"r": {"a": 2.5}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")

	_, err = Parse(strings.NewReader(`{"model_version": "v", "recipes": {"r": {"a": "4"}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected number")
}

func TestParseFloatBits(t *testing.T) {
	file, err := Parse(strings.NewReader(`{"model_version": "v", "recipes": {"r": {"a": 4.0, "b": 16}}}`))
	require.NoError(t, err)

	r, err := file.Recipe("r")
	require.NoError(t, err)

	entries := r.Entries()
	assert.Equal(t, 4, entries[0].Bits)
	assert.Equal(t, 16, entries[1].Bits)
}

func TestUnknownRecipe(t *testing.T) {
	file, err := Parse(strings.NewReader(`{"model_version": "v", "recipes": {"b": {"x": 4}, "a": {"x": 4}}}`))
	require.NoError(t, err)

	_, err = file.Recipe("c")
	require.ErrorIs(t, err, ErrUnknownRecipe)
	assert.Contains(t, err.Error(), `"c"`)
	assert.Contains(t, err.Error(), "b, a", "candidates keep file order")
}

func TestRecipeBits(t *testing.T) {
	file, err := Parse(strings.NewReader(`{
		"model_version": "v",
		"recipes": {
			"r": {"a": 8, "b": 2, "c": 16, "d": 2, "e": 4}
		}
	}`))
	require.NoError(t, err)

	r, err := file.Recipe("r")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 8}, r.Bits())
}

func TestRecipesOrder(t *testing.T) {
	file, err := Parse(strings.NewReader(`{"model_version": "v", "recipes": {"z": {}, "a": {"x": 4}}}`))
	require.NoError(t, err)

	recipes := file.Recipes()
	require.Len(t, recipes, 2)
	assert.Equal(t, "z", recipes[0].Name())
	assert.Equal(t, 0, recipes[0].Len())
	assert.Equal(t, "a", recipes[1].Name())
	assert.Equal(t, 1, recipes[1].Len())
}
