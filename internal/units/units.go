// Package units models base unit systems (mass/length/time SI
// equivalents) and the monomial scale law between them.
package units

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Dim is a physical dimension as integer exponents of mass, length and
// time. Pressure is Dim{1, -1, -2}.
type Dim [3]int

// Dimensions used by the built-in keyword models.
var (
	Pressure     = Dim{1, -1, -2}
	Density      = Dim{1, -3, 0}
	Velocity     = Dim{0, 1, -1}
	Viscosity    = Dim{1, -1, -1}
	SpecificHeat = Dim{0, 2, -2}
	PerTime      = Dim{0, 0, -1}
)

// System is one base unit system, expressed as the number of SI units
// per one unit of the system: kilograms per mass unit, meters per
// length unit, seconds per time unit. All three are strictly positive.
type System struct {
	MassSI   float64
	LengthSI float64
	TimeSI   float64
}

// ErrUnknownUnitSystem reports a lookup with an unregistered key.
var ErrUnknownUnitSystem = errors.New("unknown unit system")

// baseSystems is read-only after package initialization.
var baseSystems = map[string]System{
	"mm-mg-us": {MassSI: 1e-6, LengthSI: 1e-3, TimeSI: 1e-6},
	"cm-g-us":  {MassSI: 1e-3, LengthSI: 1e-2, TimeSI: 1e-6},
	"m-kg-s":   {MassSI: 1, LengthSI: 1, TimeSI: 1},
	"mm-mg-ms": {MassSI: 1e-6, LengthSI: 1e-3, TimeSI: 1e-3},
}

// Keys returns the registered system keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(baseSystems))
	for k := range baseSystems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the system registered under key.
func Lookup(key string) (System, error) {
	sys, ok := baseSystems[key]
	if !ok {
		return System{}, fmt.Errorf("%w %q, known: %s",
			ErrUnknownUnitSystem, key, strings.Join(Keys(), ", "))
	}
	return sys, nil
}

// ScaleFactor returns the multiplicative constant that converts a value
// of dimension dim from src units to dst units:
// (srcMass/dstMass)^a * (srcLength/dstLength)^b * (srcTime/dstTime)^c.
func ScaleFactor(src, dst System, dim Dim) float64 {
	return math.Pow(src.MassSI/dst.MassSI, float64(dim[0])) *
		math.Pow(src.LengthSI/dst.LengthSI, float64(dim[1])) *
		math.Pow(src.TimeSI/dst.TimeSI, float64(dim[2]))
}

// Descriptor pairs a system key with display labels for listings.
type Descriptor struct {
	Key          string `json:"key"`
	Label        string `json:"label"`
	PressureUnit string `json:"pressure_unit"`
}

// PressureUnit returns the natural pressure unit for values expressed
// in sys, picked by the magnitude of the system's pressure scale to SI.
func PressureUnit(sys System) string {
	pa := ScaleFactor(sys, baseSystems["m-kg-s"], Pressure)
	switch {
	case pa >= 5e10:
		return "Mbar"
	case pa >= 1e9:
		return "GPa"
	case pa >= 1e6:
		return "MPa"
	case pa >= 1e3:
		return "kPa"
	default:
		return "Pa"
	}
}

// Descriptors returns all registered systems sorted by key.
func Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(baseSystems))
	for key, sys := range baseSystems {
		pu := PressureUnit(sys)
		out = append(out, Descriptor{
			Key:          key,
			Label:        key + " (" + pu + ")",
			PressureUnit: pu,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
