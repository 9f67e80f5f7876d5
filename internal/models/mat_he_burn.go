package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	engine.Register(&engine.KeywordSpec{
		Name:   "mat-he-burn",
		Prefix: "*MAT_HIGH_EXPLOSIVE_BURN",
		Cards: [][]string{
			{"mid", "ro", "d", "pcj", "beta", "k", "g", "sigy"},
		},
		Dims: map[string]units.Dim{
			"ro":   units.Density,
			"d":    units.Velocity, // detonation velocity
			"pcj":  units.Pressure,
			"sigy": units.Pressure, // yield stress
			// beta, k, g model-specific, not converted
		},
	})
}
