package models

import (
	"kunit/internal/engine"
	"kunit/internal/units"
)

func init() {
	engine.Register(&engine.KeywordSpec{
		Name:   "eos-gruneisen",
		Prefix: "*EOS_GRUNEISEN",
		Cards: [][]string{
			{"eosid", "c", "s1", "s2", "s3", "gamma0", "a", "e0"},
			{"v0", "_", "lcid", "_", "_", "_", "_", "_"},
		},
		Dims: map[string]units.Dim{
			"c":  units.Velocity,
			"e0": units.Pressure, // energy per volume
			// s1, s2, s3, gamma0, a, v0, lcid dimensionless
		},
	})
}
