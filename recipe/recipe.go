// Package recipe loads mixed precision palettization recipes produced by a
// pre-analysis run. A recipe maps layer names to the palette index width
// each layer's weight should be compressed to.
//
// Entry order is significant. The reference table is built in recipe order
// and nearest-fingerprint ties resolve toward the earliest entry, so recipes
// preserve the key order of the underlying JSON rather than round-tripping
// through a Go map.
package recipe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// SupportedBits are the palette index widths a recipe may request. 16 is not
// a palettization width, it marks layers the recipe leaves in half
// precision.
var SupportedBits = []int{1, 2, 4, 6, 8, 16}

var (
	ErrNoRecipes     = errors.New("no recipes in pre-analysis file")
	ErrUnknownRecipe = errors.New("unknown recipe")
)

// File is a parsed pre-analysis file.
type File struct {
	// ModelVersion names the reference checkpoint the recipes were
	// computed for.
	ModelVersion string

	recipes *linkedhashmap.Map
}

// Recipe is one named compression schedule from a pre-analysis file.
type Recipe struct {
	name    string
	entries *linkedhashmap.Map
}

// Entry assigns one layer its target index width.
type Entry struct {
	Layer string

	// Bits is the palette index width to apply, or 16 to leave the layer
	// uncompressed.
	Bits int
}

// Load reads and validates a pre-analysis file.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	file, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return file, nil
}

// Parse decodes a pre-analysis file, preserving the order recipes and their
// layers appear in.
func Parse(r io.Reader) (*File, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	file := File{recipes: linkedhashmap.New()}
	for dec.More() {
		key, err := stringToken(dec)
		if err != nil {
			return nil, err
		}

		switch key {
		case "model_version":
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}

			s, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("model_version: expected string, got %T", tok)
			}

			file.ModelVersion = s
		case "recipes":
			if err := parseRecipes(dec, &file); err != nil {
				return nil, err
			}
		default:
			// pre-analysis files carry plotting and error data alongside
			// the recipes
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}

	if file.ModelVersion == "" {
		return nil, errors.New("missing model_version")
	}

	if file.recipes.Size() == 0 {
		return nil, ErrNoRecipes
	}

	return &file, nil
}

func parseRecipes(dec *json.Decoder, file *File) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}

	for dec.More() {
		name, err := stringToken(dec)
		if err != nil {
			return err
		}

		recipe, err := parseRecipe(dec, name)
		if err != nil {
			return err
		}

		file.recipes.Put(name, recipe)
	}

	return expectDelim(dec, '}')
}

func parseRecipe(dec *json.Decoder, name string) (*Recipe, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	recipe := Recipe{name: name, entries: linkedhashmap.New()}
	for dec.More() {
		layer, err := stringToken(dec)
		if err != nil {
			return nil, err
		}

		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		num, ok := tok.(json.Number)
		if !ok {
			return nil, fmt.Errorf("recipe %q: layer %q: expected number, got %T", name, layer, tok)
		}

		bits, err := parseBits(num)
		if err != nil {
			return nil, fmt.Errorf("recipe %q: layer %q: %w", name, layer, err)
		}

		// a repeated layer keeps its first position but takes the last
		// value, matching the file's own source representation
		recipe.entries.Put(layer, Entry{Layer: layer, Bits: bits})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}

	return &recipe, nil
}

func parseBits(num json.Number) (int, error) {
	f, err := num.Float64()
	if err != nil {
		return 0, err
	}

	bits := int(f)
	if float64(bits) != f {
		return 0, fmt.Errorf("%v bits is not an integer", num)
	}

	for _, b := range SupportedBits {
		if bits == b {
			return bits, nil
		}
	}

	return 0, fmt.Errorf("unsupported bits %d, expect one of %v", bits, SupportedBits)
}

// Names lists the recipes in file order.
func (f *File) Names() []string {
	names := make([]string, 0, f.recipes.Size())
	it := f.recipes.Iterator()
	for it.Next() {
		names = append(names, it.Key().(string))
	}

	return names
}

// Recipe returns the named recipe.
func (f *File) Recipe(name string) (*Recipe, error) {
	v, ok := f.recipes.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w %q, expect one of: %s", ErrUnknownRecipe, name, strings.Join(f.Names(), ", "))
	}

	return v.(*Recipe), nil
}

// Recipes lists the recipes in file order.
func (f *File) Recipes() []*Recipe {
	recipes := make([]*Recipe, 0, f.recipes.Size())
	it := f.recipes.Iterator()
	for it.Next() {
		recipes = append(recipes, it.Value().(*Recipe))
	}

	return recipes
}

func (r *Recipe) Name() string {
	return r.name
}

func (r *Recipe) Len() int {
	return r.entries.Size()
}

// Entries lists the recipe in file order.
func (r *Recipe) Entries() []Entry {
	entries := make([]Entry, 0, r.entries.Size())
	it := r.entries.Iterator()
	for it.Next() {
		entries = append(entries, it.Value().(Entry))
	}

	return entries
}

// Bits returns the index widths the recipe palettizes to, deduplicated, in
// ascending order. The 16 sentinel is not a palettization width and is
// excluded.
func (r *Recipe) Bits() []int {
	seen := make(map[int]bool)
	it := r.entries.Iterator()
	for it.Next() {
		seen[it.Value().(Entry).Bits] = true
	}

	var bits []int
	for _, b := range SupportedBits {
		if b != 16 && seen[b] {
			bits = append(bits, b)
		}
	}

	return bits
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}

	return nil
}

func stringToken(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}

	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected string key, got %v", tok)
	}

	return s, nil
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		for dec.More() {
			if d == '{' {
				if _, err := stringToken(dec); err != nil {
					return err
				}
			}

			if err := skipValue(dec); err != nil {
				return err
			}
		}

		if _, err := dec.Token(); err != nil {
			return err
		}
	}

	return nil
}
