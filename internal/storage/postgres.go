package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB wraps a PostgreSQL connection pool for the materials catalog.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying connection pool for direct queries.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS materials (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		model       TEXT NOT NULL,
		units       TEXT NOT NULL,
		payload     TEXT NOT NULL,
		models      TEXT[] NOT NULL DEFAULT '{}',
		reference   TEXT NOT NULL DEFAULT '',
		comment     TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		tags        TEXT[] NOT NULL DEFAULT '{}',
		meta        JSONB,
		sections    JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_materials_model ON materials(model);
	CREATE INDEX IF NOT EXISTS idx_materials_units ON materials(units);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// GIN index for tag containment queries.
	if _, err := d.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_materials_tags ON materials USING GIN(tags)`); err != nil {
		return fmt.Errorf("create tags index: %w", err)
	}

	return nil
}

// MaterialUpsertParams contains the fields stored for a catalog material.
// Meta and Sections may be any JSON-serializable value.
type MaterialUpsertParams struct {
	ID        string
	Name      string
	Model     string
	Units     string
	Payload   string
	Models    []string
	Reference string
	Comment   string
	Source    string
	Tags      []string
	Meta      any
	Sections  any
}

// MaterialRow is a material as read back from the catalog. Meta and
// Sections come back as raw JSON text.
type MaterialRow struct {
	ID           string
	Name         string
	Model        string
	Units        string
	Payload      string
	Models       []string
	Reference    string
	Comment      string
	Source       string
	Tags         []string
	MetaJSON     string
	SectionsJSON string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertMaterial inserts a material or updates it if the id already exists.
func (d *PostgresDB) UpsertMaterial(ctx context.Context, p MaterialUpsertParams) error {
	metaJSON, err := marshalJSONB(p.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	sectionsJSON, err := marshalJSONB(p.Sections)
	if err != nil {
		return fmt.Errorf("marshal sections: %w", err)
	}

	models := p.Models
	if models == nil {
		models = []string{}
	}
	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err = d.pool.Exec(ctx, `
		INSERT INTO materials (id, name, model, units, payload, models, reference, comment, source, tags, meta, sections)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			model = EXCLUDED.model,
			units = EXCLUDED.units,
			payload = EXCLUDED.payload,
			models = EXCLUDED.models,
			reference = EXCLUDED.reference,
			comment = EXCLUDED.comment,
			source = EXCLUDED.source,
			tags = EXCLUDED.tags,
			meta = EXCLUDED.meta,
			sections = EXCLUDED.sections,
			updated_at = NOW()
	`, p.ID, p.Name, p.Model, p.Units, p.Payload, models, p.Reference, p.Comment, p.Source, tags, metaJSON, sectionsJSON)
	if err != nil {
		return fmt.Errorf("upsert material: %w", err)
	}

	return nil
}

// marshalJSONB converts a value to JSON bytes for a JSONB column,
// passing nil through as SQL NULL.
func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// GetMaterial retrieves a material by id. Returns nil if not found.
func (d *PostgresDB) GetMaterial(ctx context.Context, id string) (*MaterialRow, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, name, model, units, payload, models, reference, comment, source, tags,
		       COALESCE(meta::text, ''), COALESCE(sections::text, ''), created_at, updated_at
		FROM materials
		WHERE id = $1
	`, id)

	m, err := scanMaterial(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get material: %w", err)
	}
	return m, nil
}

// MaterialListParams contains filtering options for listing materials.
type MaterialListParams struct {
	Model  string
	Tag    string
	Limit  int
	Offset int
}

// ListMaterials returns catalog materials matching the given filters,
// ordered by id.
func (d *PostgresDB) ListMaterials(ctx context.Context, p MaterialListParams) ([]MaterialRow, error) {
	query := `
		SELECT id, name, model, units, payload, models, reference, comment, source, tags,
		       COALESCE(meta::text, ''), COALESCE(sections::text, ''), created_at, updated_at
		FROM materials
	`
	var conditions []string
	var args []interface{}
	argN := 1

	if p.Model != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(models)", argN))
		args = append(args, p.Model)
		argN++
	}
	if p.Tag != "" {
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(tags)", argN))
		args = append(args, p.Tag)
		argN++
	}

	if len(conditions) > 0 {
		query += " WHERE " + joinConditions(conditions)
	}
	query += " ORDER BY id"

	limit := 100
	if p.Limit > 0 {
		limit = p.Limit
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, p.Offset)

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	defer rows.Close()

	var materials []MaterialRow
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		materials = append(materials, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate materials: %w", err)
	}

	return materials, nil
}

func joinConditions(conditions []string) string {
	out := conditions[0]
	for _, c := range conditions[1:] {
		out += " AND " + c
	}
	return out
}

// pgRow abstracts pgx.Row and pgx.Rows for scanning.
type pgRow interface {
	Scan(dest ...interface{}) error
}

func scanMaterial(row pgRow) (*MaterialRow, error) {
	var m MaterialRow
	err := row.Scan(&m.ID, &m.Name, &m.Model, &m.Units, &m.Payload, &m.Models,
		&m.Reference, &m.Comment, &m.Source, &m.Tags,
		&m.MetaJSON, &m.SectionsJSON, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMaterial removes a material from the catalog.
func (d *PostgresDB) DeleteMaterial(ctx context.Context, id string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM materials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete material: %w", err)
	}
	return nil
}

// CountMaterials returns the number of materials in the catalog.
func (d *PostgresDB) CountMaterials(ctx context.Context) (int64, error) {
	var count int64
	err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM materials`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count materials: %w", err)
	}
	return count, nil
}
