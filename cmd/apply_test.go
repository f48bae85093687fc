package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/mixbit/palettize/fs/ggml"
	"github.com/mixbit/palettize/version"
)

func TestApply(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "checkpoint")
	assert.NilError(t, os.Mkdir(checkpoint, 0o755))
	writeCheckpoint(t, checkpoint, map[string][]float32{
		"layer_a.weight": alternating(64, 1, 2),
		"layer_b.weight": alternating(64, 5, 6),
	})

	model := filepath.Join(dir, "model.gguf")
	writeModel(t, model, nil, map[string][]float32{
		"blk.0.attn_q.weight": alternating(64, 1, 2),
		"blk.0.attn_k.weight": alternating(64, 5, 6),
	})

	recipePath := filepath.Join(dir, "recipes.json")
	doc := fmt.Sprintf(`{"model_version": %q, "recipes": {"base": {"layer_a": 4, "layer_b": 6}}}`, checkpoint)
	assert.NilError(t, os.WriteFile(recipePath, []byte(doc), 0o644))

	output := filepath.Join(dir, "out.gguf")
	stdout, err := runCLI(t, "apply",
		"-o", output,
		"--mlpackage-path", model,
		"--pre-analysis-json-path", recipePath,
		"--selected-recipe", "base",
		"--min-size", "0",
	)
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(stdout, "palettized 2 of 2 tensors"))
	assert.Assert(t, is.Contains(stdout, "average 5.00-bit per compressed element"))
	assert.Assert(t, is.Contains(stdout, "wrote "+output))

	m := decodeModel(t, output)
	ts := m.Tensors()
	assert.Equal(t, ts.ByName("blk.0.attn_q.weight").Kind, uint32(ggml.TensorTypePAL4))
	assert.Equal(t, ts.ByName("blk.0.attn_k.weight").Kind, uint32(ggml.TensorTypePAL6))

	kv := m.KV()
	assert.Equal(t, kv.String("palettize.recipe"), "base")
	assert.Equal(t, kv.String("palettize.model_version"), checkpoint)
	assert.Equal(t, kv.String("palettize.version"), version.Version)
	assert.Assert(t, kv.String("palettize.uuid") != "")
	assert.DeepEqual(t, kv.Strings("palettize.tensors"), []string{
		"blk.0.attn_k.weight=layer_b:6",
		"blk.0.attn_q.weight=layer_a:4",
	})
}

func TestApplyAllSixteen(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "checkpoint")
	assert.NilError(t, os.Mkdir(checkpoint, 0o755))
	writeCheckpoint(t, checkpoint, map[string][]float32{
		"layer_a.weight": alternating(64, 1, 2),
	})

	model := filepath.Join(dir, "model.gguf")
	writeModel(t, model, nil, map[string][]float32{
		"blk.0.attn_q.weight": alternating(64, 1, 2),
	})

	recipePath := filepath.Join(dir, "recipes.json")
	doc := fmt.Sprintf(`{"model_version": %q, "recipes": {"base": {"layer_a": 16}}}`, checkpoint)
	assert.NilError(t, os.WriteFile(recipePath, []byte(doc), 0o644))

	output := filepath.Join(dir, "out.gguf")
	stdout, err := runCLI(t, "apply",
		"-o", output,
		"--mlpackage-path", model,
		"--pre-analysis-json-path", recipePath,
		"--selected-recipe", "base",
		"--min-size", "0",
	)
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(stdout, "palettized 0 of 1 tensors"))

	// saved regardless, byte for byte half precision
	m := decodeModel(t, output)
	assert.Equal(t, m.Tensors().ByName("blk.0.attn_q.weight").Kind, uint32(ggml.TensorTypeF16))

	_, ok := m.KV()["palettize.tensors"]
	assert.Assert(t, !ok)
}

func TestApplyDigestMatcher(t *testing.T) {
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "checkpoint")
	assert.NilError(t, os.Mkdir(checkpoint, 0o755))
	writeCheckpoint(t, checkpoint, map[string][]float32{
		"layer_a.weight": alternating(64, 1, 2),
	})

	model := filepath.Join(dir, "model.gguf")
	writeModel(t, model, nil, map[string][]float32{
		"blk.0.attn_q.weight": alternating(64, 1, 2),
		"blk.0.attn_k.weight": alternating(64, 5, 6),
	})

	recipePath := filepath.Join(dir, "recipes.json")
	doc := fmt.Sprintf(`{"model_version": %q, "recipes": {"base": {"layer_a": 2}}}`, checkpoint)
	assert.NilError(t, os.WriteFile(recipePath, []byte(doc), 0o644))

	output := filepath.Join(dir, "out.gguf")
	stdout, err := runCLI(t, "apply",
		"-o", output,
		"--mlpackage-path", model,
		"--pre-analysis-json-path", recipePath,
		"--selected-recipe", "base",
		"--matcher", "digest",
		"--min-size", "0",
	)
	assert.NilError(t, err)
	assert.Assert(t, is.Contains(stdout, "palettized 1 of 2 tensors"))

	// only the byte identical tensor matched its digest
	m := decodeModel(t, output)
	assert.Equal(t, m.Tensors().ByName("blk.0.attn_q.weight").Kind, uint32(ggml.TensorTypePAL2))
	assert.Equal(t, m.Tensors().ByName("blk.0.attn_k.weight").Kind, uint32(ggml.TensorTypeF16))
}

func TestApplyValidation(t *testing.T) {
	dir := t.TempDir()

	model := filepath.Join(dir, "model.gguf")
	writeModel(t, model, nil, map[string][]float32{
		"blk.0.attn_q.weight": alternating(64, 1, 2),
	})

	recipePath := filepath.Join(dir, "recipes.json")
	doc := `{"model_version": "test-v1", "recipes": {"base": {"layer_a": 4}}}`
	assert.NilError(t, os.WriteFile(recipePath, []byte(doc), 0o644))

	t.Run("required flags", func(t *testing.T) {
		_, err := runCLI(t, "apply")
		assert.ErrorContains(t, err, "required flag")
	})

	t.Run("json suffix", func(t *testing.T) {
		txt := filepath.Join(dir, "recipes.txt")
		assert.NilError(t, os.WriteFile(txt, []byte(doc), 0o644))

		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", model, "--pre-analysis-json-path", txt, "--selected-recipe", "base")
		assert.ErrorContains(t, err, "not a .json file")
	})

	t.Run("missing model", func(t *testing.T) {
		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", filepath.Join(dir, "absent.gguf"),
			"--pre-analysis-json-path", recipePath, "--selected-recipe", "base")
		assert.ErrorContains(t, err, "no such file")
	})

	t.Run("missing recipe file", func(t *testing.T) {
		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", model,
			"--pre-analysis-json-path", filepath.Join(dir, "absent.json"), "--selected-recipe", "base")
		assert.ErrorContains(t, err, "no such file")
	})

	t.Run("unknown recipe", func(t *testing.T) {
		// the model is junk bytes, so reaching it would fail differently:
		// recipe resolution must come first
		junk := filepath.Join(dir, "junk.gguf")
		assert.NilError(t, os.WriteFile(junk, []byte("not a model"), 0o644))

		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", junk, "--pre-analysis-json-path", recipePath, "--selected-recipe", "missing")
		assert.ErrorContains(t, err, `unknown recipe "missing"`)
		assert.ErrorContains(t, err, "base")
	})

	t.Run("illegal bits", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		assert.NilError(t, os.WriteFile(bad, []byte(`{"model_version": "v", "recipes": {"base": {"layer_a": 3}}}`), 0o644))

		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", model, "--pre-analysis-json-path", bad, "--selected-recipe", "base")
		assert.ErrorContains(t, err, "unsupported bits 3")
	})

	t.Run("bad mode", func(t *testing.T) {
		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", model, "--pre-analysis-json-path", recipePath,
			"--selected-recipe", "base", "--mode", "median")
		assert.ErrorContains(t, err, `unknown palettization mode "median"`)
	})

	t.Run("bad matcher", func(t *testing.T) {
		_, err := runCLI(t, "apply", "-o", filepath.Join(dir, "out.gguf"),
			"--mlpackage-path", model, "--pre-analysis-json-path", recipePath,
			"--selected-recipe", "base", "--matcher", "exact")
		assert.ErrorContains(t, err, `unknown matcher "exact"`)
	})
}
