package storage

import (
	"context"
	"os"
	"testing"
)

// setupTestPostgres creates a test database connection.
// Returns nil if no PostgreSQL connection is available.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	// Check for environment variable or use defaults.
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "kunit"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "kunit"
	}
	database := os.Getenv("POSTGRES_DB")
	if database == "" {
		database = "kunit"
	}

	ctx := context.Background()
	pg, err := OpenPostgres(ctx, PostgresConfig{
		Host:     host,
		Port:     5432,
		User:     user,
		Password: password,
		Database: database,
	})
	if err != nil {
		return nil
	}

	// Ensure schema exists.
	if err := pg.CreateSchema(ctx); err != nil {
		pg.Close()
		return nil
	}

	return pg
}

func TestUpsertMaterial(t *testing.T) {
	pg := setupTestPostgres(t)
	if pg == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer pg.Close()

	ctx := context.Background()

	// Clean up test data before and after the test.
	cleanup := func() {
		_, _ = pg.pool.Exec(ctx, "DELETE FROM materials WHERE id LIKE 'test-%'")
	}
	cleanup()
	defer cleanup()

	err := pg.UpsertMaterial(ctx, MaterialUpsertParams{
		ID:      "test-comp-b",
		Name:    "Composition B",
		Model:   "mat-he-burn",
		Units:   "cm-g-us",
		Payload: "*MAT_HIGH_EXPLOSIVE_BURN\n 1 1.717 0.798 0.295",
		Models:  []string{"mat-he-burn", "eos-jwl"},
		Tags:    []string{"explosive", "validated"},
		Meta:    map[string]any{"density_ref": "LLNL handbook"},
	})
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// Second upsert with the same id should update, not error.
	err = pg.UpsertMaterial(ctx, MaterialUpsertParams{
		ID:      "test-comp-b",
		Name:    "Composition B (rev 2)",
		Model:   "mat-he-burn",
		Units:   "m-kg-s",
		Payload: "*MAT_HIGH_EXPLOSIVE_BURN\n 1 1717 7980 2.95e+10",
		Models:  []string{"mat-he-burn", "eos-jwl"},
		Tags:    []string{"explosive"},
	})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	m, err := pg.GetMaterial(ctx, "test-comp-b")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if m == nil {
		t.Fatal("material not found after upsert")
	}
	if m.Name != "Composition B (rev 2)" {
		t.Errorf("Name = %q, want updated name", m.Name)
	}
	if m.Units != "m-kg-s" {
		t.Errorf("Units = %q", m.Units)
	}
	if len(m.Tags) != 1 || m.Tags[0] != "explosive" {
		t.Errorf("Tags = %v", m.Tags)
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		t.Error("updated_at should not be before created_at")
	}
}

func TestGetMaterialMissing(t *testing.T) {
	pg := setupTestPostgres(t)
	if pg == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer pg.Close()

	m, err := pg.GetMaterial(context.Background(), "test-does-not-exist")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil for missing material, got %+v", m)
	}
}

func TestListMaterialsFilters(t *testing.T) {
	pg := setupTestPostgres(t)
	if pg == nil {
		t.Skip("No PostgreSQL connection available")
	}
	defer pg.Close()

	ctx := context.Background()

	cleanup := func() {
		_, _ = pg.pool.Exec(ctx, "DELETE FROM materials WHERE id LIKE 'test-%'")
	}
	cleanup()
	defer cleanup()

	seed := []MaterialUpsertParams{
		{ID: "test-he-1", Name: "HE one", Model: "mat-he-burn", Units: "cm-g-us",
			Payload: "x", Models: []string{"mat-he-burn", "eos-jwl"}, Tags: []string{"explosive"}},
		{ID: "test-he-2", Name: "HE two", Model: "mat-he-burn", Units: "cm-g-us",
			Payload: "x", Models: []string{"mat-he-burn", "eos-jwlb"}, Tags: []string{"explosive", "aluminized"}},
		{ID: "test-steel", Name: "Mild steel", Model: "mat-jc", Units: "m-kg-s",
			Payload: "x", Models: []string{"mat-jc"}, Tags: []string{"metal"}},
	}
	for _, p := range seed {
		if err := pg.UpsertMaterial(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", p.ID, err)
		}
	}

	byModel, err := pg.ListMaterials(ctx, MaterialListParams{Model: "eos-jwlb"})
	if err != nil {
		t.Fatalf("list by model: %v", err)
	}
	if len(byModel) != 1 || byModel[0].ID != "test-he-2" {
		t.Errorf("model filter returned %d rows", len(byModel))
	}

	byTag, err := pg.ListMaterials(ctx, MaterialListParams{Tag: "explosive"})
	if err != nil {
		t.Fatalf("list by tag: %v", err)
	}
	if len(byTag) != 2 {
		t.Errorf("tag filter returned %d rows, want 2", len(byTag))
	}

	count, err := pg.CountMaterials(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count < 3 {
		t.Errorf("count = %d, want at least 3", count)
	}

	if err := pg.DeleteMaterial(ctx, "test-steel"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	m, err := pg.GetMaterial(ctx, "test-steel")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if m != nil {
		t.Error("material still present after delete")
	}
}
