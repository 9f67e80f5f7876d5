package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	engine.Register(&engine.KeywordSpec{
		Name:   "eos-jwlb",
		Prefix: "*EOS_JWLB",
		Cards: [][]string{
			{"eosid", "a1", "a2", "a3", "a4", "a5", "_", "_"},
			{"r1", "r2", "r3", "r4", "r5", "_", "_", "_"},
			{"al1", "al2", "al3", "al4", "al5", "_", "_", "_"},
			{"bl1", "bl2", "bl3", "bl4", "bl5", "_", "_", "_"},
			{"rl1", "rl2", "rl3", "rl4", "rl5", "_", "_", "_"},
			{"c", "omega", "e", "v0", "_", "_", "_", "_"},
		},
		Dims: map[string]units.Dim{
			"a1": units.Pressure,
			"a2": units.Pressure,
			"a3": units.Pressure,
			"a4": units.Pressure,
			"a5": units.Pressure,
			"c":  units.Pressure,
			"e":  units.Pressure, // energy per volume
			// r*, al*, bl*, rl*, omega, v0 dimensionless
		},
		// *EOS_JWLB shares the *EOS_JWL prefix; dispatch before it.
		Priority: engine.DefaultPriority - 10,
	})
}
