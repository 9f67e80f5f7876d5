package storage

import (
	"context"
	"fmt"

	"kunit/internal/materials"
)

// SyncFromStore upserts every record of the file-based materials store
// into the PostgreSQL catalog and returns the number of records
// written. Existing rows with the same id are updated in place.
func (d *PostgresDB) SyncFromStore(ctx context.Context, st *materials.Store) (int, error) {
	records, err := st.List()
	if err != nil {
		return 0, fmt.Errorf("load store: %w", err)
	}

	for i, rec := range records {
		err := d.UpsertMaterial(ctx, MaterialUpsertParams{
			ID:        rec.ID,
			Name:      rec.Name,
			Model:     rec.Model,
			Units:     rec.Units,
			Payload:   rec.Payload,
			Models:    rec.Models,
			Reference: rec.Reference,
			Comment:   rec.Comment,
			Source:    rec.Source,
			Tags:      rec.Tags,
			Meta:      rec.Meta,
			Sections:  rec.Sections,
		})
		if err != nil {
			return i, fmt.Errorf("material %q: %w", rec.ID, err)
		}
	}
	return len(records), nil
}
