package convert

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"kunit/internal/engine"
	"kunit/internal/fixed"
	"kunit/internal/units"
)

func TestResolveSpecs_All(t *testing.T) {
	for _, selection := range []string{"", "all", "ALL", " all "} {
		specs, err := ResolveSpecs(selection)
		if err != nil {
			t.Fatalf("ResolveSpecs(%q): %v", selection, err)
		}
		if len(specs) != 7 {
			t.Errorf("ResolveSpecs(%q) returned %d specs, want 7", selection, len(specs))
		}
		if specs[0].Name != "eos-jwlb" {
			t.Errorf("ResolveSpecs(%q) first spec = %q, want eos-jwlb", selection, specs[0].Name)
		}
	}
}

func TestResolveSpecs_CSV(t *testing.T) {
	specs, err := ResolveSpecs(" mat-he-burn , eos-jwl ,")
	if err != nil {
		t.Fatalf("ResolveSpecs: %v", err)
	}
	got := make([]string, len(specs))
	for i, s := range specs {
		got[i] = s.Name
	}
	want := []string{"mat-he-burn", "eos-jwl"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ResolveSpecs = %v, want %v", got, want)
	}
}

func TestResolveSpecs_Unknown(t *testing.T) {
	_, err := ResolveSpecs("mat-he-burn,mat-nope")
	if !errors.Is(err, engine.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	if !strings.Contains(err.Error(), "mat-nope") || !strings.Contains(err.Error(), "eos-jwl") {
		t.Errorf("error %q should name the bad model and list known ones", err)
	}
}

func TestModels_Listing(t *testing.T) {
	models := Models()
	if len(models) != 7 {
		t.Fatalf("Models returned %d entries, want 7", len(models))
	}
	if models[0].Name != "eos-jwlb" || models[0].Keyword != "*EOS_JWLB" {
		t.Errorf("first model = %+v, want eos-jwlb/*EOS_JWLB", models[0])
	}
	for _, m := range models {
		for _, card := range m.Cards {
			if len(card) != fixed.NumFields {
				t.Errorf("model %s has a %d-slot card, want %d", m.Name, len(card), fixed.NumFields)
			}
		}
	}
}

func TestConvertText_UnknownUnits(t *testing.T) {
	if _, err := ConvertText("*KEYWORD\n", "nope", "m-kg-s", "all", nil); !errors.Is(err, units.ErrUnknownUnitSystem) {
		t.Errorf("bad src: err = %v, want ErrUnknownUnitSystem", err)
	}
	if _, err := ConvertText("*KEYWORD\n", "m-kg-s", "nope", "all", nil); !errors.Is(err, units.ErrUnknownUnitSystem) {
		t.Errorf("bad dst: err = %v, want ErrUnknownUnitSystem", err)
	}
}

func TestConvertText_UnknownTransformModel(t *testing.T) {
	two := 2.0
	custom := engine.TransformMap{"no-such-model": {"a": {Multiplier: &two}}}
	_, err := ConvertText("*KEYWORD\n", "mm-mg-us", "m-kg-s", "all", custom)
	if !errors.Is(err, engine.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestConvertText_EndToEnd(t *testing.T) {
	text := "*MAT_HIGH_EXPLOSIVE_BURN\n" +
		fixed.JoinFixed([]string{"7", "1.2", "0.88", "0.37", "", "", "", ""})

	got, err := ConvertText(text, "mm-mg-us", "m-kg-s", "all", nil)
	if err != nil {
		t.Fatalf("ConvertText: %v", err)
	}
	fields := fixed.SplitFixed(strings.SplitAfter(got, "\n")[1])
	ro, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		t.Fatalf("ro field %q not numeric", fields[1])
	}
	if want := 1.2 * 1e3; ro != want {
		t.Errorf("ro = %v, want %v", ro, want)
	}
}

const transformsJSON = `{
  "eos-jwl": {
    "a": {"power": 2, "multiplier": 3.5, "offset": 1, "dim": [1, -1, -2]},
    "omeg": {"scaleDim": [0, 0, -1], "scalePowerField": "e0", "scalePower": 1.5}
  }
}`

const transformsTOML = `
[eos-jwl.a]
power = 2.0
multiplier = 3.5
offset = 1.0
dim = [1, -1, -2]

[eos-jwl.omeg]
scaleDim = [0, 0, -1]
scalePowerField = "e0"
scalePower = 1.5
`

func TestParseTransforms_JSON(t *testing.T) {
	tm, err := ParseTransforms(transformsJSON)
	if err != nil {
		t.Fatalf("ParseTransforms: %v", err)
	}
	a := tm["eos-jwl"]["a"]
	if a.Power == nil || *a.Power != 2 || a.Multiplier == nil || *a.Multiplier != 3.5 || a.Offset != 1 {
		t.Errorf("a = %+v, want power 2, multiplier 3.5, offset 1", a)
	}
	if a.Dim == nil || *a.Dim != (units.Dim{1, -1, -2}) {
		t.Errorf("a.Dim = %v, want {1,-1,-2}", a.Dim)
	}
	omeg := tm["eos-jwl"]["omeg"]
	if omeg.ScaleDim == nil || *omeg.ScaleDim != (units.Dim{0, 0, -1}) {
		t.Errorf("omeg.ScaleDim = %v, want {0,0,-1}", omeg.ScaleDim)
	}
	if omeg.ScalePowerField != "e0" {
		t.Errorf("omeg.ScalePowerField = %q, want e0", omeg.ScalePowerField)
	}
	if omeg.ScalePower == nil || *omeg.ScalePower != 1.5 {
		t.Errorf("omeg.ScalePower = %v, want 1.5", omeg.ScalePower)
	}
}

func TestParseTransforms_TOMLMatchesJSON(t *testing.T) {
	fromJSON, err := ParseTransforms(transformsJSON)
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	fromTOML, err := ParseTransforms(transformsTOML)
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if !reflect.DeepEqual(fromJSON, fromTOML) {
		t.Errorf("decoded maps differ\njson: %+v\ntoml: %+v", fromJSON, fromTOML)
	}
}

func TestParseTransforms_ExplicitZero(t *testing.T) {
	tm, err := ParseTransforms(`{
	  "eos-jwl": {
	    "a": {"multiplier": 0},
	    "b": {"power": 0, "dim": [0, 0, 0]}
	  }
	}`)
	if err != nil {
		t.Fatalf("ParseTransforms: %v", err)
	}

	text := "*EOS_JWL\n" +
		fixed.JoinFixed([]string{"1", "2.0", "2.0", "", "", "", "", ""})
	got, err := ConvertText(text, "m-kg-s", "m-kg-s", "eos-jwl", tm)
	if err != nil {
		t.Fatalf("ConvertText: %v", err)
	}
	fields := fixed.SplitFixed(strings.SplitAfter(got, "\n")[1])
	if a := strings.TrimSpace(fields[1]); a != "0.0" {
		t.Errorf("a (multiplier 0) = %q, want 0.0", a)
	}
	if b := strings.TrimSpace(fields[2]); b != "1" {
		t.Errorf("b (power 0) = %q, want 1", b)
	}
}

func TestParseTransforms_Empty(t *testing.T) {
	tm, err := ParseTransforms("  \n ")
	if err != nil {
		t.Fatalf("ParseTransforms: %v", err)
	}
	if tm != nil {
		t.Errorf("ParseTransforms = %v, want nil", tm)
	}
}

func TestParseTransforms_Malformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"short dim", `{"eos-jwl": {"a": {"dim": [1, -1]}}}`},
		{"dim wrong type", `{"eos-jwl": {"a": {"dim": ["m", "l", "t"]}}}`},
		{"entry not an object", `{"eos-jwl": {"a": 3}}`},
		{"unknown json key", `{"eos-jwl": {"a": {"multipler": 2}}}`},
		{"unknown toml key", "[eos-jwl.a]\nmultipler = 2.0\n"},
		{"toml short dim", "[eos-jwl.a]\ndim = [1, -1]\n"},
	}
	for _, c := range cases {
		if _, err := ParseTransforms(c.in); !errors.Is(err, ErrMalformedTransform) {
			t.Errorf("%s: err = %v, want ErrMalformedTransform", c.name, err)
		}
	}
}

func TestNewConverter_ValidatesUpfront(t *testing.T) {
	custom := engine.TransformMap{"mat-he-burn": {"ro": {ScaleDimField: "nothere"}}}
	if _, err := NewConverter("mm-mg-us", "m-kg-s", "all", custom); !errors.Is(err, engine.ErrUnknownScaleDimField) {
		t.Fatalf("err = %v, want ErrUnknownScaleDimField", err)
	}

	conv, err := NewConverter("mm-mg-us", "m-kg-s", "mat-he-burn", nil)
	if err != nil {
		t.Fatalf("NewConverter: %v", err)
	}
	doc := "*MAT_HIGH_EXPLOSIVE_BURN\n" +
		fixed.JoinFixed([]string{"1", "1.835", "0.88", "0.37", "", "", "", ""})
	first, err := conv.Convert(doc)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	second, err := conv.Convert(doc)
	if err != nil {
		t.Fatalf("Convert (reuse): %v", err)
	}
	if first != second {
		t.Errorf("repeated Convert calls disagree:\n%s\n%s", first, second)
	}
}

func TestDefaultOutputPath(t *testing.T) {
	if got, want := DefaultOutputPath("model.k", "m-kg-s"), "model.k.m-kg-s.k"; got != want {
		t.Errorf("DefaultOutputPath = %q, want %q", got, want)
	}
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "model.k")
	doc := "*MAT_NULL\n" +
		fixed.JoinFixed([]string{"3", "1.2", "0.0", "0.0", "", "", "", ""})
	if err := os.WriteFile(input, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	outPath, err := ConvertFile(input, "", "mm-mg-us", "m-kg-s", "mat-null", nil)
	if err != nil {
		t.Fatalf("ConvertFile: %v", err)
	}
	if want := input + ".m-kg-s.k"; outPath != want {
		t.Errorf("output path = %q, want %q", outPath, want)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	fields := fixed.SplitFixed(strings.SplitAfter(string(data), "\n")[1])
	if got := strings.TrimSpace(fields[1]); got != "1200" {
		t.Errorf("ro = %q, want 1200", got)
	}
}
