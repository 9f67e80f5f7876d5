package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	engine.Register(&engine.KeywordSpec{
		Name:   "mat-null",
		Prefix: "*MAT_NULL",
		Cards: [][]string{
			{"mid", "ro", "pc", "mu", "terod", "cerod", "ym", "pr"},
		},
		Dims: map[string]units.Dim{
			"ro": units.Density,
			"mu": units.Viscosity, // dynamic viscosity
			"pc": units.Pressure,
			"ym": units.Pressure, // Young's modulus
			// terod, cerod, pr dimensionless
		},
	})
}
