// Package engine rescales fixed-width keyword blocks between unit
// systems. Keyword specs describe how blocks of a given prefix lay out
// their data cards and which fields carry a physical dimension; the
// engine scans a document, collects blocks, and rewrites every
// dimensioned field with the appropriate scale factor.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"kunit/internal/fixed"
	"kunit/internal/units"
)

var (
	// ErrUnknownModel reports a spec lookup with an unregistered name.
	ErrUnknownModel = errors.New("unknown model")

	// ErrUnknownScaleDimField reports a transform whose ScaleDimField
	// names a field the spec declares no dimension for.
	ErrUnknownScaleDimField = errors.New("unknown scale dim field")
)

// KeywordSpec describes one recognized keyword block type.
type KeywordSpec struct {
	// Name is the internal model name, e.g. "mat-jc".
	Name string

	// Prefix is matched with strings.HasPrefix against the uppercased,
	// left-trimmed first line of a block, e.g. "*MAT_JOHNSON_COOK".
	Prefix string

	// Cards lists the field layouts of the data lines in order. The
	// name "_" marks a slot that is never scaled; "mid" and "eosid"
	// mark identifiers. Register normalizes every card to eight slots.
	Cards [][]string

	// Dims maps field names to their dimension. Fields without an
	// entry are never scaled.
	Dims map[string]units.Dim

	// Transforms holds built-in per-field transforms.
	Transforms map[string]FieldTransform

	// Priority orders prefix matching: lower is tried first. Specs
	// with overlapping prefixes (EOS_JWLB under EOS_JWL) rely on this.
	Priority int
}

// FieldTransform is a per-field rule layered on the plain dimensional
// scale: an optional dimension override, an optional secondary scale
// factor with a dynamic exponent, and an affine transform applied last
// as value^Power * Multiplier + Offset.
//
// Power and Multiplier are pointers so that an explicit zero survives:
// nil means "unset" and behaves as 1, while a pointer to 0 raises to
// the zeroth power or multiplies by zero.
type FieldTransform struct {
	Power      *float64
	Multiplier *float64
	Offset     float64

	// Dim overrides the spec's declared dimension for the field.
	Dim *units.Dim

	// Secondary scaling. Setting any of the four marks the transform
	// as custom-scaling. The secondary dimension is ScaleDim when set,
	// else the declared dimension of ScaleDimField, else the field's
	// own resolved dimension. The exponent is the record value of
	// ScalePowerField when present in the block context, else
	// ScalePower when set, else 1.
	ScaleDim        *units.Dim
	ScaleDimField   string
	ScalePowerField string
	ScalePower      *float64
}

// TransformMap overrides per-field transforms per spec name. Entries
// take precedence over the spec's built-in transforms field by field.
type TransformMap map[string]map[string]FieldTransform

func (t FieldTransform) hasCustomScaling() bool {
	return t.ScaleDim != nil || t.ScaleDimField != "" ||
		t.ScalePowerField != "" || t.ScalePower != nil
}

func (t FieldTransform) scaleExponent(ctx map[string]float64) float64 {
	if t.ScalePowerField != "" {
		if v, ok := ctx[t.ScalePowerField]; ok {
			return v
		}
	}
	if t.ScalePower != nil {
		return *t.ScalePower
	}
	return 1.0
}

func (t FieldTransform) apply(v float64) float64 {
	power, mult := 1.0, 1.0
	if t.Power != nil {
		power = *t.Power
	}
	if t.Multiplier != nil {
		mult = *t.Multiplier
	}
	return math.Pow(v, power)*mult + t.Offset
}

func isSkipName(name string) bool {
	return name == "mid" || name == "eosid" || name == "_"
}

func lstrip(s string) string {
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

func isDataLine(line string) bool {
	s := lstrip(line)
	if s == "" || strings.HasPrefix(s, "*") || strings.HasPrefix(s, "$") {
		return false
	}
	return fixed.IsNumber(fixed.SplitFixed(line)[0])
}

// DataLineIndexes returns the indexes of the first n data lines of a
// block: non-blank lines that are neither keyword nor comment lines
// and whose first fixed-width field is numeric.
func DataLineIndexes(block []string, n int) []int {
	var idxs []int
	for i, line := range block {
		if !isDataLine(line) {
			continue
		}
		idxs = append(idxs, i)
		if len(idxs) == n {
			break
		}
	}
	return idxs
}

// ValidateTransforms checks the built-in and custom transforms of the
// given specs for ScaleDimField references the spec declares no
// dimension for. Conversion never starts while a reference is invalid.
func ValidateTransforms(specs []*KeywordSpec, custom TransformMap) error {
	for _, spec := range specs {
		for name, t := range spec.Transforms {
			if err := checkScaleDimField(spec, name, t); err != nil {
				return err
			}
		}
		for name, t := range custom[spec.Name] {
			if err := checkScaleDimField(spec, name, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkScaleDimField(spec *KeywordSpec, field string, t FieldTransform) error {
	if t.ScaleDimField == "" {
		return nil
	}
	if _, ok := spec.Dims[t.ScaleDimField]; !ok {
		return fmt.Errorf("%w %q for field %q of spec %s",
			ErrUnknownScaleDimField, t.ScaleDimField, field, spec.Name)
	}
	return nil
}

// ConvertText rewrites every recognized keyword block of text from src
// to dst units and returns the transformed document. Lines outside
// recognized blocks, comment and title lines, and blocks with fewer
// data lines than their spec requires pass through byte for byte.
// Custom transforms override the specs' built-in ones per field.
func ConvertText(text string, specs []*KeywordSpec, src, dst units.System, custom TransformMap) (string, error) {
	if err := ValidateTransforms(specs, custom); err != nil {
		return "", err
	}

	// Dispatch in priority order so that overlapping prefixes resolve
	// to the longer match no matter how the caller ordered the specs.
	ordered := make([]*KeywordSpec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	lines := splitLines(text)
	var out strings.Builder
	out.Grow(len(text) + len(text)/8)

	i := 0
	for i < len(lines) {
		line := lines[i]
		spec := matchSpec(ordered, line)
		if spec == nil {
			out.WriteString(line)
			i++
			continue
		}

		block := []string{line}
		i++
		for i < len(lines) && !strings.HasPrefix(lstrip(lines[i]), "*") {
			block = append(block, lines[i])
			i++
		}

		for _, l := range convertBlock(block, spec, src, dst, custom) {
			out.WriteString(l)
		}
	}
	return out.String(), nil
}

func matchSpec(specs []*KeywordSpec, line string) *KeywordSpec {
	u := strings.ToUpper(lstrip(line))
	for _, spec := range specs {
		if strings.HasPrefix(u, strings.ToUpper(spec.Prefix)) {
			return spec
		}
	}
	return nil
}

// splitLines splits text into lines keeping the line terminators, the
// way the block scanner consumes them.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func convertBlock(block []string, spec *KeywordSpec, src, dst units.System, custom TransformMap) []string {
	dataIdx := DataLineIndexes(block, len(spec.Cards))
	if len(dataIdx) < len(spec.Cards) {
		// Unexpected structure: leave the whole block unchanged.
		return block
	}

	ctx := buildContext(block, dataIdx, spec)

	out := make([]string, len(block))
	copy(out, block)
	for ci, lineIdx := range dataIdx {
		card := spec.Cards[ci]
		fields := fixed.SplitFixed(block[lineIdx])
		pairs := len(card)
		if len(fields) < pairs {
			pairs = len(fields)
		}
		newFields := make([]string, 0, pairs)
		for fi := 0; fi < pairs; fi++ {
			name, raw := card[fi], fields[fi]
			if isSkipName(name) {
				newFields = append(newFields, strings.TrimSpace(raw))
				continue
			}
			newFields = append(newFields, convertField(name, raw, src, dst, spec, custom, ctx))
		}
		out[lineIdx] = fixed.JoinFixed(newFields)
	}
	return out
}

// buildContext collects every declared, non-skipped numeric field of
// the block so ScalePowerField lookups can reference fields on any
// card, before or after their own.
func buildContext(block []string, dataIdx []int, spec *KeywordSpec) map[string]float64 {
	ctx := make(map[string]float64)
	for ci, lineIdx := range dataIdx {
		card := spec.Cards[ci]
		fields := fixed.SplitFixed(block[lineIdx])
		pairs := len(card)
		if len(fields) < pairs {
			pairs = len(fields)
		}
		for fi := 0; fi < pairs; fi++ {
			name := card[fi]
			if isSkipName(name) {
				continue
			}
			raw := strings.TrimSpace(fields[fi])
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				ctx[name] = v
			}
		}
	}
	return ctx
}

func convertField(name, raw string, src, dst units.System, spec *KeywordSpec, custom TransformMap, ctx map[string]float64) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Non-numeric fields pass through stripped, untouched by units.
		return s
	}

	transform, hasTransform := effectiveTransform(spec, custom, name)

	var dim units.Dim
	hasDim := false
	if hasTransform && transform.Dim != nil {
		dim, hasDim = *transform.Dim, true
	} else {
		dim, hasDim = spec.Dims[name]
	}

	if hasDim {
		value *= units.ScaleFactor(src, dst, dim)
	}
	if hasTransform && transform.hasCustomScaling() {
		if scaleDim, ok := resolveScaleDim(transform, dim, hasDim, spec.Dims); ok {
			value *= math.Pow(units.ScaleFactor(src, dst, scaleDim), transform.scaleExponent(ctx))
		}
	}
	if hasTransform {
		value = transform.apply(value)
	}
	return fixed.FormatField(value)
}

func effectiveTransform(spec *KeywordSpec, custom TransformMap, name string) (FieldTransform, bool) {
	if fields, ok := custom[spec.Name]; ok {
		if t, ok := fields[name]; ok {
			return t, true
		}
	}
	t, ok := spec.Transforms[name]
	return t, ok
}

func resolveScaleDim(t FieldTransform, own units.Dim, hasOwn bool, dims map[string]units.Dim) (units.Dim, bool) {
	if t.ScaleDim != nil {
		return *t.ScaleDim, true
	}
	if t.ScaleDimField != "" {
		d, ok := dims[t.ScaleDimField]
		return d, ok
	}
	return own, hasOwn
}
