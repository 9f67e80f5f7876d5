// Package convert is the high-level conversion API shared by the CLI,
// the web server and the queue worker. It resolves unit-system keys
// and model selections, parses user-supplied custom transform maps and
// drives the engine over whole documents or files.
package convert

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"kunit/internal/engine"
	"kunit/internal/units"

	// Register the built-in keyword models.
	_ "kunit/internal/models"
)

// ModelInfo describes one registered keyword model.
type ModelInfo struct {
	Name    string     `json:"name"`
	Keyword string     `json:"keyword"`
	Cards   [][]string `json:"cards"`
}

// UnitKeys returns the known unit system keys, sorted.
func UnitKeys() []string {
	return units.Keys()
}

// Units returns a descriptor per unit system, for listings and menus.
func Units() []units.Descriptor {
	return units.Descriptors()
}

// Models returns metadata for every registered model in dispatch order.
func Models() []ModelInfo {
	specs := engine.Default().All()
	out := make([]ModelInfo, len(specs))
	for i, s := range specs {
		out[i] = ModelInfo{Name: s.Name, Keyword: s.Prefix, Cards: s.Cards}
	}
	return out
}

// ModelNames returns the registered model names in dispatch order.
func ModelNames() []string {
	return engine.Default().Names()
}

// ResolveSpecs maps a model selection to keyword specs. The selection
// is a comma-separated list of model names; empty or "all" selects
// every registered model in dispatch order.
func ResolveSpecs(selection string) ([]*engine.KeywordSpec, error) {
	reg := engine.Default()
	selection = strings.TrimSpace(selection)
	if selection == "" || strings.EqualFold(selection, "all") {
		return reg.All(), nil
	}

	var specs []*engine.KeywordSpec
	for _, name := range strings.Split(selection, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		s, ok := reg.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w %q, known: %s", engine.ErrUnknownModel, name, strings.Join(knownModels(), ", "))
		}
		specs = append(specs, s)
	}
	return specs, nil
}

func knownModels() []string {
	names := engine.Default().Names()
	sort.Strings(names)
	return names
}

// checkTransformNames rejects custom transform entries for model names
// the registry has never heard of. Entries for known models that are
// not part of the current selection are left alone; the engine simply
// never consults them.
func checkTransformNames(custom engine.TransformMap) error {
	if len(custom) == 0 {
		return nil
	}
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := engine.Default().Get(name); !ok {
			return fmt.Errorf("%w %q in custom transforms, known: %s", engine.ErrUnknownModel, name, strings.Join(knownModels(), ", "))
		}
	}
	return nil
}

// ConvertText converts a whole keyword document between two unit
// systems. All validation errors surface before any conversion work.
func ConvertText(text, src, dst, models string, custom engine.TransformMap) (string, error) {
	srcSys, err := units.Lookup(src)
	if err != nil {
		return "", err
	}
	dstSys, err := units.Lookup(dst)
	if err != nil {
		return "", err
	}
	specs, err := ResolveSpecs(models)
	if err != nil {
		return "", err
	}
	if err := checkTransformNames(custom); err != nil {
		return "", err
	}
	return engine.ConvertText(text, specs, srcSys, dstSys, custom)
}

// DefaultOutputPath is the conventional output name for an input file
// converted to dst units: "<input>.<dst>.k".
func DefaultOutputPath(input, dst string) string {
	return input + "." + dst + ".k"
}

// ConvertFile reads input, converts it and writes the result to output.
// An empty output falls back to DefaultOutputPath. Returns the path
// actually written.
func ConvertFile(input, output, src, dst, models string, custom engine.TransformMap) (string, error) {
	data, err := os.ReadFile(input)
	if err != nil {
		return "", err
	}
	converted, err := ConvertText(string(data), src, dst, models, custom)
	if err != nil {
		return "", err
	}
	if output == "" {
		output = DefaultOutputPath(input, dst)
	}
	if err := os.WriteFile(output, []byte(converted), 0644); err != nil {
		return "", err
	}
	return output, nil
}

// Converter is a reusable pipeline bound to a fixed src/dst/models/
// transforms choice. All validation happens in NewConverter, so a
// constructed Converter is safe to share across goroutines.
type Converter struct {
	src    units.System
	dst    units.System
	specs  []*engine.KeywordSpec
	custom engine.TransformMap
}

// NewConverter validates the configuration and returns a Converter.
func NewConverter(src, dst, models string, custom engine.TransformMap) (*Converter, error) {
	srcSys, err := units.Lookup(src)
	if err != nil {
		return nil, err
	}
	dstSys, err := units.Lookup(dst)
	if err != nil {
		return nil, err
	}
	specs, err := ResolveSpecs(models)
	if err != nil {
		return nil, err
	}
	if err := checkTransformNames(custom); err != nil {
		return nil, err
	}
	if err := engine.ValidateTransforms(specs, custom); err != nil {
		return nil, err
	}
	return &Converter{src: srcSys, dst: dstSys, specs: specs, custom: custom}, nil
}

// Convert runs the bound pipeline over one document.
func (c *Converter) Convert(text string) (string, error) {
	return engine.ConvertText(text, c.specs, c.src, c.dst, c.custom)
}
