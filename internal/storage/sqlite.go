// Package storage provides persistent storage for conversion history,
// audit events and the materials catalog.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Conversion represents one stored conversion run.
type Conversion struct {
	ID           int64
	Timestamp    time.Time
	Source       string
	SrcUnits     string
	DstUnits     string
	Models       string
	InputName    string
	InputHead    string
	InputBytes   int64
	OutputBytes  int64
	ChangedLines int64
	Duration     time.Duration
	Succeeded    bool
	Error        string
}

// History wraps a SQLite database holding the local conversion log.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates a SQLite history database at the given path.
func OpenHistory(path string) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createHistorySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the database connection.
func (h *History) Close() error {
	return h.db.Close()
}

// createHistorySchema creates the database tables and indices.
func createHistorySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		source TEXT NOT NULL,
		src_units TEXT NOT NULL,
		dst_units TEXT NOT NULL,
		models TEXT,
		input_name TEXT,
		input_head TEXT,
		input_bytes INTEGER,
		output_bytes INTEGER,
		changed_lines INTEGER,
		duration_ms INTEGER,
		succeeded INTEGER DEFAULT 1,
		error TEXT,
		created_at TEXT DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_conversions_units ON conversions(src_units, dst_units);
	CREATE INDEX IF NOT EXISTS idx_conversions_timestamp ON conversions(timestamp);
	-- Note: idx_conversions_source created by migration for existing DBs

	-- FTS5 virtual table for full-text search on the input head.
	CREATE VIRTUAL TABLE IF NOT EXISTS conversions_fts USING fts5(
		input_head,
		content='conversions',
		content_rowid='id'
	);

	-- Triggers to keep FTS index in sync.
	CREATE TRIGGER IF NOT EXISTS conversions_ai AFTER INSERT ON conversions BEGIN
		INSERT INTO conversions_fts(rowid, input_head) VALUES (new.id, new.input_head);
	END;

	CREATE TRIGGER IF NOT EXISTS conversions_ad AFTER DELETE ON conversions BEGIN
		INSERT INTO conversions_fts(conversions_fts, rowid, input_head) VALUES('delete', old.id, old.input_head);
	END;

	CREATE TRIGGER IF NOT EXISTS conversions_au AFTER UPDATE ON conversions BEGIN
		INSERT INTO conversions_fts(conversions_fts, rowid, input_head) VALUES('delete', old.id, old.input_head);
		INSERT INTO conversions_fts(rowid, input_head) VALUES (new.id, new.input_head);
	END;
	`

	_, err := db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases.
	return migrateHistorySchema(db)
}

// migrateHistorySchema adds new columns to existing databases.
func migrateHistorySchema(db *sql.DB) error {
	// Check if the succeeded column exists.
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('conversions') WHERE name='succeeded'`).Scan(&count)
	if err != nil {
		return err
	}

	if count == 0 {
		// Add the outcome columns introduced with worker support.
		migrations := []string{
			`ALTER TABLE conversions ADD COLUMN succeeded INTEGER DEFAULT 1`,
			`ALTER TABLE conversions ADD COLUMN error TEXT`,
		}
		for _, m := range migrations {
			if _, err := db.Exec(m); err != nil {
				// Ignore "duplicate column" errors for idempotency.
				if !strings.Contains(err.Error(), "duplicate column") {
					return err
				}
			}
		}
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_conversions_source ON conversions(source)`)

	return nil
}

// InsertParams contains the parameters for recording a conversion.
type InsertParams struct {
	Timestamp   string
	Source      string
	SrcUnits    string
	DstUnits    string
	Models      []string
	InputName   string
	InputHead   string
	InputBytes  int
	OutputBytes int
	Changed     int
	Duration    time.Duration
	Err         string // empty for a successful run
}

// Insert records a conversion run in the history.
func (h *History) Insert(p InsertParams) (int64, error) {
	models := strings.Join(p.Models, ",")
	succeeded := 1
	if p.Err != "" {
		succeeded = 0
	}

	result, err := h.db.Exec(`
		INSERT INTO conversions (timestamp, source, src_units, dst_units, models, input_name, input_head, input_bytes, output_bytes, changed_lines, duration_ms, succeeded, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Timestamp, p.Source, p.SrcUnits, p.DstUnits, models, p.InputName, p.InputHead,
		p.InputBytes, p.OutputBytes, p.Changed, p.Duration.Milliseconds(), succeeded, p.Err)
	if err != nil {
		return 0, fmt.Errorf("insert conversion: %w", err)
	}

	return result.LastInsertId()
}

// QueryParams contains filtering options for querying the history.
type QueryParams struct {
	ID         int64  // Filter by specific conversion ID.
	Source     string // Filter by source (exact match).
	SrcUnits   string // Filter by source unit system (exact match).
	DstUnits   string // Filter by destination unit system (exact match).
	Model      string // Filter by model name (LIKE match on the models list).
	OnlyFailed bool   // Only show failed conversions.
	FullText   string // FTS5 full-text search on the input head.
	Limit      int    // Max results (default 100).
	Offset     int    // Pagination offset.
	OrderBy    string // Sort field (timestamp, source, src_units, dst_units, duration_ms).
	OrderDesc  bool   // Sort descending.
}

// Query retrieves conversions matching the given parameters.
func (h *History) Query(p QueryParams) ([]Conversion, error) {
	var conditions []string
	var args []interface{}

	if p.ID != 0 {
		conditions = append(conditions, "id = ?")
		args = append(args, p.ID)
	}
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
	if p.Model != "" {
		conditions = append(conditions, "models LIKE ?")
		args = append(args, "%"+p.Model+"%")
	}
	if p.OnlyFailed {
		conditions = append(conditions, "succeeded = 0")
	}

	// FTS5 search requires a JOIN with the FTS table.
	var query string
	if p.FullText != "" {
		query = `SELECT c.id, c.timestamp, c.source, c.src_units, c.dst_units, c.models,
				c.input_name, c.input_head, c.input_bytes, c.output_bytes, c.changed_lines,
				c.duration_ms, c.succeeded, c.error
				FROM conversions c
				JOIN conversions_fts fts ON c.id = fts.rowid
				WHERE conversions_fts MATCH ?`
		args = append([]interface{}{p.FullText}, args...)
		if len(conditions) > 0 {
			query += " AND " + strings.Join(conditions, " AND ")
		}
	} else {
		query = `SELECT id, timestamp, source, src_units, dst_units, models,
				input_name, input_head, input_bytes, output_bytes, changed_lines,
				duration_ms, succeeded, error
				FROM conversions`
		if len(conditions) > 0 {
			query += " WHERE " + strings.Join(conditions, " AND ")
		}
	}

	// Order by.
	orderField := "id"
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

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conversions []Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		conversions = append(conversions, c)
	}

	return conversions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversion(row rowScanner) (Conversion, error) {
	var c Conversion
	var ts, models, inputName, inputHead, errText sql.NullString
	var inputBytes, outputBytes, changed, durationMS, succeeded sql.NullInt64

	err := row.Scan(&c.ID, &ts, &c.Source, &c.SrcUnits, &c.DstUnits, &models,
		&inputName, &inputHead, &inputBytes, &outputBytes, &changed,
		&durationMS, &succeeded, &errText)
	if err != nil {
		return c, fmt.Errorf("scan row: %w", err)
	}

	if ts.Valid {
		c.Timestamp, _ = time.Parse(time.RFC3339, ts.String)
	}
	c.Models = models.String
	c.InputName = inputName.String
	c.InputHead = inputHead.String
	c.InputBytes = inputBytes.Int64
	c.OutputBytes = outputBytes.Int64
	c.ChangedLines = changed.Int64
	c.Duration = time.Duration(durationMS.Int64) * time.Millisecond
	c.Succeeded = !succeeded.Valid || succeeded.Int64 == 1
	c.Error = errText.String

	return c, nil
}

// GetByID retrieves a single conversion by ID. Returns nil when the
// ID is unknown.
func (h *History) GetByID(id int64) (*Conversion, error) {
	row := h.db.QueryRow(`SELECT id, timestamp, source, src_units, dst_units, models,
			input_name, input_head, input_bytes, output_bytes, changed_lines,
			duration_ms, succeeded, error
			FROM conversions WHERE id = ?`, id)

	c, err := scanConversion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Stats returns aggregate statistics about stored conversions.
type Stats struct {
	TotalConversions int
	BySource         map[string]int
	ByPair           map[string]int
	Failed           int
	TopModels        map[string]int
}

// GetStats returns statistics about the stored conversions.
func (h *History) GetStats() (*Stats, error) {
	stats := &Stats{
		BySource:  make(map[string]int),
		ByPair:    make(map[string]int),
		TopModels: make(map[string]int),
	}

	// Total conversions.
	row := h.db.QueryRow("SELECT COUNT(*) FROM conversions")
	if err := row.Scan(&stats.TotalConversions); err != nil {
		return nil, err
	}

	// By source.
	rows, err := h.db.Query("SELECT source, COUNT(*) FROM conversions GROUP BY source ORDER BY COUNT(*) DESC")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.BySource[source] = count
	}
	_ = rows.Close()

	// By unit pair.
	rows, err = h.db.Query("SELECT src_units, dst_units, COUNT(*) FROM conversions GROUP BY src_units, dst_units ORDER BY COUNT(*) DESC LIMIT 20")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var src, dst string
		var count int
		if err := rows.Scan(&src, &dst, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ByPair[src+" -> "+dst] = count
	}
	_ = rows.Close()

	// Failed runs.
	row = h.db.QueryRow("SELECT COUNT(*) FROM conversions WHERE succeeded = 0")
	if err := row.Scan(&stats.Failed); err != nil {
		return nil, err
	}

	// Top models - requires parsing the comma-separated values.
	rows, err = h.db.Query("SELECT models FROM conversions WHERE models != '' AND models IS NOT NULL")
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var models string
		if err := rows.Scan(&models); err != nil {
			_ = rows.Close()
			return nil, err
		}
		for _, m := range strings.Split(models, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				stats.TopModels[m]++
			}
		}
	}
	_ = rows.Close()

	return stats, nil
}

// Distinct returns distinct values for a given column.
func (h *History) Distinct(column string) ([]string, error) {
	// Validate column name to prevent SQL injection.
	validColumns := map[string]bool{
		"source":     true,
		"src_units":  true,
		"dst_units":  true,
		"input_name": true,
	}
	if !validColumns[column] {
		return nil, fmt.Errorf("invalid column: %s", column)
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM conversions WHERE %s IS NOT NULL AND %s != '' ORDER BY %s", column, column, column, column)
	rows, err := h.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
