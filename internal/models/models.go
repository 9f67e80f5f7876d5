// Package models registers the built-in keyword specs with the engine's
// default registry. Import it (usually blank) to make every built-in
// model available:
//
//	import _ "kunit/internal/models"
//
// Each model lives in its own file as a plain data table: the card
// layouts mirror the LS-DYNA keyword manual, and the dims maps declare
// which fields carry a physical dimension.
package models
