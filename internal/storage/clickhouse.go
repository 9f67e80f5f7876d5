// Package storage provides persistent storage for conversion history,
// audit events and the materials catalog.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB wraps a ClickHouse connection for the conversion audit log.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversion_events (
			id              UUID,
			timestamp       DateTime64(3),
			source          LowCardinality(String),
			src_units       LowCardinality(String),
			dst_units       LowCardinality(String),
			models          String,
			input_name      String,
			input_bytes     UInt64,
			output_bytes    UInt64,
			changed_lines   UInt32,
			duration_ms     Float64,
			succeeded       UInt8,
			error           String,
			created_at      DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (source, src_units, dst_units, timestamp)
		SETTINGS index_granularity = 8192`,
	}

	for _, q := range queries {
		if err := d.conn.Exec(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	// Add bloom filter index for input name search (ignore error if already exists).
	_ = d.conn.Exec(ctx, `ALTER TABLE conversion_events ADD INDEX IF NOT EXISTS idx_input_name_bloom input_name TYPE tokenbf_v1(32768, 3, 0) GRANULARITY 1`)

	return nil
}

// Event is one audit record of a conversion run.
type Event struct {
	ID           uuid.UUID
	Timestamp    time.Time
	Source       string
	SrcUnits     string
	DstUnits     string
	Models       []string
	InputName    string
	InputBytes   uint64
	OutputBytes  uint64
	ChangedLines uint32
	DurationMS   float64
	Succeeded    bool
	Error        string
	CreatedAt    time.Time
}

// Insert stores a single audit event in ClickHouse.
func (d *ClickHouseDB) Insert(ctx context.Context, e Event) error {
	err := d.conn.Exec(ctx, `
		INSERT INTO conversion_events (id, timestamp, source, src_units, dst_units, models, input_name, input_bytes, output_bytes, changed_lines, duration_ms, succeeded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp, e.Source, e.SrcUnits, e.DstUnits, strings.Join(e.Models, ","),
		e.InputName, e.InputBytes, e.OutputBytes, e.ChangedLines, e.DurationMS, boolToUInt8(e.Succeeded), e.Error)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// InsertBatch stores multiple audit events in ClickHouse efficiently.
func (d *ClickHouseDB) InsertBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO conversion_events (id, timestamp, source, src_units, dst_units, models, input_name, input_bytes, output_bytes, changed_lines, duration_ms, succeeded, error)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		err = batch.Append(e.ID, e.Timestamp, e.Source, e.SrcUnits, e.DstUnits, strings.Join(e.Models, ","),
			e.InputName, e.InputBytes, e.OutputBytes, e.ChangedLines, e.DurationMS, boolToUInt8(e.Succeeded), e.Error)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// EventQueryParams contains filtering options for querying audit events.
type EventQueryParams struct {
	Source     string
	SrcUnits   string
	DstUnits   string
	OnlyFailed bool
	InputName  string // LIKE match on input_name.
	Limit      int
	Offset     int
	OrderBy    string
	OrderDesc  bool
}

// Query retrieves audit events matching the given parameters.
func (d *ClickHouseDB) Query(ctx context.Context, p EventQueryParams) ([]Event, error) {
	var conditions []string
	var args []interface{}

	if p.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, p.Source)
	}
	if p.SrcUnits != "" {
		conditions = append(conditions, "src_units = ?")
		args = append(args, p.SrcUnits)
	}
	if p.DstUnits != "" {
		conditions = append(conditions, "dst_units = ?")
		args = append(args, p.DstUnits)
	}
	if p.OnlyFailed {
		conditions = append(conditions, "succeeded = 0")
	}
	if p.InputName != "" {
		conditions = append(conditions, "input_name LIKE ?")
		args = append(args, "%"+p.InputName+"%")
	}

	query := `SELECT id, timestamp, source, src_units, dst_units, models, input_name, input_bytes, output_bytes, changed_lines, duration_ms, succeeded, error, created_at FROM conversion_events`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	// Order by.
	orderField := "timestamp"
	if p.OrderBy != "" {
		switch p.OrderBy {
		case "timestamp", "source", "src_units", "dst_units", "duration_ms":
			orderField = p.OrderBy
		}
	}
	direction := "ASC"
	if p.OrderDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", orderField, direction)

	// Limit and offset.
	limit := 100
	if p.Limit > 0 {
		limit = p.Limit
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, p.Offset)

	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var models string
		var succeeded uint8
		err := rows.Scan(&e.ID, &e.Timestamp, &e.Source, &e.SrcUnits, &e.DstUnits, &models,
			&e.InputName, &e.InputBytes, &e.OutputBytes, &e.ChangedLines, &e.DurationMS, &succeeded, &e.Error, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if models != "" {
			e.Models = strings.Split(models, ",")
		}
		e.Succeeded = succeeded == 1
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// RecentEvents returns the most recent audit events, newest first.
func (d *ClickHouseDB) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	return d.Query(ctx, EventQueryParams{Limit: limit, OrderBy: "timestamp", OrderDesc: true})
}

// EventStats contains aggregate statistics about audit events.
type EventStats struct {
	TotalEvents uint64
	BySource    map[string]uint64
	ByPair      map[string]uint64
	Failed      uint64
}

// GetStats returns statistics about stored audit events.
func (d *ClickHouseDB) GetStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		BySource: make(map[string]uint64),
		ByPair:   make(map[string]uint64),
	}

	// Total events.
	row := d.conn.QueryRow(ctx, "SELECT count() FROM conversion_events")
	if err := row.Scan(&stats.TotalEvents); err != nil {
		return nil, err
	}

	// By source.
	rows, err := d.conn.Query(ctx, "SELECT source, count() FROM conversion_events GROUP BY source ORDER BY count() DESC")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var source string
		var count uint64
		if err := rows.Scan(&source, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan source stats: %w", err)
		}
		stats.BySource[source] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate source stats: %w", err)
	}
	rows.Close()

	// By unit pair.
	rows, err = d.conn.Query(ctx, "SELECT src_units, dst_units, count() FROM conversion_events GROUP BY src_units, dst_units ORDER BY count() DESC LIMIT 20")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var src, dst string
		var count uint64
		if err := rows.Scan(&src, &dst, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pair stats: %w", err)
		}
		stats.ByPair[src+" -> "+dst] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate pair stats: %w", err)
	}
	rows.Close()

	// Failed runs.
	row = d.conn.QueryRow(ctx, "SELECT count() FROM conversion_events WHERE succeeded = 0")
	if err := row.Scan(&stats.Failed); err != nil {
		return nil, err
	}

	return stats, nil
}

// Count returns the total number of events, optionally filtered by source.
func (d *ClickHouseDB) Count(ctx context.Context, source string) (uint64, error) {
	var count uint64
	var err error
	if source != "" {
		row := d.conn.QueryRow(ctx, "SELECT count() FROM conversion_events WHERE source = ?", source)
		err = row.Scan(&count)
	} else {
		row := d.conn.QueryRow(ctx, "SELECT count() FROM conversion_events")
		err = row.Scan(&count)
	}
	return count, err
}

// Distinct returns distinct values for a given column.
func (d *ClickHouseDB) Distinct(ctx context.Context, column string) ([]string, error) {
	// Validate column name to prevent SQL injection.
	validColumns := map[string]bool{
		"source":    true,
		"src_units": true,
		"dst_units": true,
	}
	if !validColumns[column] {
		return nil, fmt.Errorf("invalid column: %s", column)
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM conversion_events WHERE %s != '' ORDER BY %s", column, column, column)
	rows, err := d.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan distinct value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct values: %w", err)
	}
	return values, nil
}
