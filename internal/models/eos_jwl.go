package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	engine.Register(&engine.KeywordSpec{
		Name:   "eos-jwl",
		Prefix: "*EOS_JWL",
		Cards: [][]string{
			{"eosid", "a", "b", "r1", "r2", "omeg", "e0", "vo"},
		},
		Dims: map[string]units.Dim{
			"a":  units.Pressure,
			"b":  units.Pressure,
			"e0": units.Pressure, // energy per volume
			// r1, r2, omeg dimensionless; vo is relative volume
		},
	})
}
