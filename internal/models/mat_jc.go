package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	engine.Register(&engine.KeywordSpec{
		Name:   "mat-jc",
		Prefix: "*MAT_JOHNSON_COOK",
		Cards: [][]string{
			{"mid", "ro", "g", "e", "pr", "dtf", "vp", "rateop"},
			{"a", "b", "n", "c", "m", "tm", "tr", "epso"},
			{"cp", "pc", "spall", "it", "d1", "d2", "d3", "d4"},
			{"d5", "c2/p/xnp", "erod", "efmin", "numint", "_", "_", "dmodel"},
		},
		Dims: map[string]units.Dim{
			"ro":   units.Density,
			"g":    units.Pressure,
			"e":    units.Pressure,
			"a":    units.Pressure,
			"b":    units.Pressure,
			"pc":   units.Pressure,
			"cp":   units.SpecificHeat, // per kelvin, temperature unchanged
			"epso": units.PerTime,
			// all others not converted
		},
	})
}
