package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"kunit/internal/engine"
	"kunit/internal/units"
)

// ErrMalformedTransform reports a shape or type problem in a
// user-supplied custom transform document.
var ErrMalformedTransform = errors.New("malformed custom transform")

// rawTransform mirrors the wire shape of one field-level transform
// entry. Pointers distinguish absent keys from explicit zeroes.
type rawTransform struct {
	Power           *float64 `json:"power" toml:"power"`
	Multiplier      *float64 `json:"multiplier" toml:"multiplier"`
	Offset          *float64 `json:"offset" toml:"offset"`
	Dim             []int    `json:"dim" toml:"dim"`
	ScaleDim        []int    `json:"scaleDim" toml:"scaleDim"`
	ScaleDimField   string   `json:"scaleDimField" toml:"scaleDimField"`
	ScalePowerField string   `json:"scalePowerField" toml:"scalePowerField"`
	ScalePower      *float64 `json:"scalePower" toml:"scalePower"`
}

// ParseTransforms decodes a custom transform document, keyed
// model name -> field name -> transform. Documents starting with '{'
// are decoded as JSON, anything else as TOML. Empty input yields a
// nil map.
func ParseTransforms(s string) (engine.TransformMap, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "{") {
		return ParseTransformsJSON(trimmed)
	}
	return ParseTransformsTOML(trimmed)
}

// ParseTransformsJSON decodes a JSON custom transform document.
func ParseTransformsJSON(s string) (engine.TransformMap, error) {
	raw := make(map[string]map[string]rawTransform)
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransform, err)
	}
	return buildTransforms(raw)
}

// ParseTransformsTOML decodes a TOML custom transform document.
func ParseTransformsTOML(s string) (engine.TransformMap, error) {
	raw := make(map[string]map[string]rawTransform)
	md, err := toml.Decode(s, &raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransform, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q", ErrMalformedTransform, undecoded[0].String())
	}
	return buildTransforms(raw)
}

func buildTransforms(raw map[string]map[string]rawTransform) (engine.TransformMap, error) {
	out := make(engine.TransformMap, len(raw))
	for specName, fields := range raw {
		converted := make(map[string]engine.FieldTransform, len(fields))
		for fieldName, rt := range fields {
			ft, err := rt.toFieldTransform()
			if err != nil {
				return nil, fmt.Errorf("%w: field %q of model %q: %v", ErrMalformedTransform, fieldName, specName, err)
			}
			converted[fieldName] = ft
		}
		out[specName] = converted
	}
	return out, nil
}

func (rt rawTransform) toFieldTransform() (engine.FieldTransform, error) {
	var t engine.FieldTransform
	t.Power = rt.Power
	t.Multiplier = rt.Multiplier
	if rt.Offset != nil {
		t.Offset = *rt.Offset
	}
	if rt.Dim != nil {
		d, err := toDim(rt.Dim)
		if err != nil {
			return t, fmt.Errorf("dim %v", err)
		}
		t.Dim = &d
	}
	if rt.ScaleDim != nil {
		d, err := toDim(rt.ScaleDim)
		if err != nil {
			return t, fmt.Errorf("scaleDim %v", err)
		}
		t.ScaleDim = &d
	}
	t.ScaleDimField = rt.ScaleDimField
	t.ScalePowerField = rt.ScalePowerField
	t.ScalePower = rt.ScalePower
	return t, nil
}

func toDim(v []int) (units.Dim, error) {
	if len(v) != 3 {
		return units.Dim{}, fmt.Errorf("must be exactly 3 integers, got %d", len(v))
	}
	return units.Dim{v[0], v[1], v[2]}, nil
}
