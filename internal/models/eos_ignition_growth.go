package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	perTime := units.PerTime
	pressure := units.Pressure

	engine.Register(&engine.KeywordSpec{
		Name:   "eos-ignition-growth",
		Prefix: "*EOS_IGNITION_AND_GROWTH_OF_REACTION_IN_HE",
		Cards: [][]string{
			{"eosid", "a", "b", "xp1", "xp2", "frer", "g", "r1"},
			{"r2", "r3", "r5", "r6", "fmxig", "freq", "grow1", "em"},
			{"ar1", "es1", "cvp", "cvr", "eetal", "ccrit", "enq", "tmp0"},
			{"grow2", "ar2", "es2", "en", "fmxgr", "fmngr", "_", "_"},
		},
		Dims: map[string]units.Dim{
			"a":  units.Pressure,
			"b":  units.Pressure,
			"r1": units.Pressure,
			"r2": units.Pressure,
			// energy per mass
			"g":   units.SpecificHeat,
			"r3":  units.SpecificHeat,
			"cvp": units.SpecificHeat,
			"cvr": units.SpecificHeat,
			// rates
			"freq":  units.PerTime,
			"grow1": units.PerTime,
			"grow2": units.PerTime,
		},
		Transforms: map[string]engine.FieldTransform{
			// Growth coefficients carry a pressure term raised to the
			// record's own exponent field: 1 / (pressure^em * time).
			"grow1": {Dim: &perTime, ScaleDim: &pressure, ScalePowerField: "em"},
			"grow2": {Dim: &perTime, ScaleDim: &pressure, ScalePowerField: "en"},
		},
	})
}
