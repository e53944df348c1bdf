package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tkarro/veemeeter/pkg/models"
	_ "modernc.org/sqlite"
)

const timestampLayout = "2006-01-02 15:04:05"

// DB wraps the local reading archive. Timestamps are stored as UTC strings;
// the UNIQUE constraint makes re-fetching overlapping windows idempotent.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meter_nr TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		value REAL,
		value_end REAL,
		created_at TEXT NOT NULL,
		published INTEGER DEFAULT 0,
		UNIQUE(meter_nr, timestamp)
	);
	CREATE INDEX IF NOT EXISTS idx_readings_meter ON readings(meter_nr);
	CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp);
	CREATE INDEX IF NOT EXISTS idx_readings_published ON readings(published);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// StoredReading is a reading row along with its archive bookkeeping
type StoredReading struct {
	ID        int
	MeterNr   string
	Reading   models.Reading
	Published bool
}

// InsertReading inserts a reading, ignoring duplicates by (meter, timestamp)
func (db *DB) InsertReading(meterNr string, r models.Reading) error {
	query := `
	INSERT OR IGNORE INTO readings (meter_nr, timestamp, value, value_end, created_at)
	VALUES (?, ?, ?, ?, ?)
	`

	var value, valueEnd sql.NullFloat64
	if r.Value != nil {
		value = sql.NullFloat64{Float64: *r.Value, Valid: true}
	}
	if r.ValueEnd != nil {
		valueEnd = sql.NullFloat64{Float64: *r.ValueEnd, Valid: true}
	}

	tsStr := r.Timestamp.UTC().Format(timestampLayout)
	createdAt := time.Now().UTC().Format(time.RFC3339)

	_, err := db.conn.Exec(query, meterNr, tsStr, value, valueEnd, createdAt)
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}

	return nil
}

// InsertReadings inserts a batch of readings inside one transaction
func (db *DB) InsertReadings(meterNr string, readings []models.Reading) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT OR IGNORE INTO readings (meter_nr, timestamp, value, value_end, created_at)
	VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	createdAt := time.Now().UTC().Format(time.RFC3339)
	for _, r := range readings {
		var value, valueEnd sql.NullFloat64
		if r.Value != nil {
			value = sql.NullFloat64{Float64: *r.Value, Valid: true}
		}
		if r.ValueEnd != nil {
			valueEnd = sql.NullFloat64{Float64: *r.ValueEnd, Valid: true}
		}
		if _, err := stmt.Exec(meterNr, r.Timestamp.UTC().Format(timestampLayout), value, valueEnd, createdAt); err != nil {
			return fmt.Errorf("inserting reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListReadings retrieves all archived readings for a meter, oldest first
func (db *DB) ListReadings(meterNr string) ([]StoredReading, error) {
	return db.queryReadings(`
	SELECT id, meter_nr, timestamp, value, value_end, published
	FROM readings
	WHERE meter_nr = ?
	ORDER BY timestamp ASC
	`, meterNr)
}

// ReadingsSince retrieves archived readings at or after the given time
func (db *DB) ReadingsSince(meterNr string, since time.Time) ([]StoredReading, error) {
	return db.queryReadings(`
	SELECT id, meter_nr, timestamp, value, value_end, published
	FROM readings
	WHERE meter_nr = ? AND timestamp >= ?
	ORDER BY timestamp ASC
	`, meterNr, since.UTC().Format(timestampLayout))
}

// RecentReadings retrieves the n most recent readings, oldest first
func (db *DB) RecentReadings(meterNr string, n int) ([]StoredReading, error) {
	rows, err := db.queryReadings(`
	SELECT id, meter_nr, timestamp, value, value_end, published
	FROM readings
	WHERE meter_nr = ?
	ORDER BY timestamp DESC
	LIMIT ?
	`, meterNr, n)
	if err != nil {
		return nil, err
	}

	// Flip back to ascending
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// LatestTimestamp returns the newest archived reading time for a meter, or
// a zero time when the archive is empty
func (db *DB) LatestTimestamp(meterNr string) (time.Time, error) {
	row := db.conn.QueryRow(`SELECT MAX(timestamp) FROM readings WHERE meter_nr = ?`, meterNr)

	var tsStr sql.NullString
	if err := row.Scan(&tsStr); err != nil {
		return time.Time{}, fmt.Errorf("querying latest timestamp: %w", err)
	}
	if !tsStr.Valid || tsStr.String == "" {
		return time.Time{}, nil
	}

	ts, err := time.ParseInLocation(timestampLayout, tsStr.String, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return ts, nil
}

// ListUnpublished retrieves readings not yet pushed to Home Assistant,
// oldest first
func (db *DB) ListUnpublished(meterNr string) ([]StoredReading, error) {
	return db.queryReadings(`
	SELECT id, meter_nr, timestamp, value, value_end, published
	FROM readings
	WHERE meter_nr = ? AND published = 0
	ORDER BY timestamp ASC
	`, meterNr)
}

// MarkPublished marks a reading as pushed to Home Assistant
func (db *DB) MarkPublished(id int) error {
	_, err := db.conn.Exec(`UPDATE readings SET published = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking reading as published: %w", err)
	}
	return nil
}

func (db *DB) queryReadings(query string, args ...interface{}) ([]StoredReading, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var results []StoredReading
	for rows.Next() {
		var sr StoredReading
		var tsStr string
		var value, valueEnd sql.NullFloat64
		var published int

		if err := rows.Scan(&sr.ID, &sr.MeterNr, &tsStr, &value, &valueEnd, &published); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		ts, err := time.ParseInLocation(timestampLayout, tsStr, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		sr.Reading.Timestamp = ts
		if value.Valid {
			v := value.Float64
			sr.Reading.Value = &v
		}
		if valueEnd.Valid {
			v := valueEnd.Float64
			sr.Reading.ValueEnd = &v
		}
		sr.Published = published != 0

		results = append(results, sr)
	}

	return results, rows.Err()
}
