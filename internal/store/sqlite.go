package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/i474232898/levity-data/internal/observation"
	"github.com/i474232898/levity-data/internal/units"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate runs all pending migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SQLStore is a Store backed by SQLite, one row per (source, key, timestamp).
type SQLStore struct {
	db     *sql.DB
	maxAge time.Duration
	clock  clockwork.Clock
}

// OpenSQL opens or creates the database at path and migrates it.
func OpenSQL(path string, maxAge time.Duration, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	o := buildOptions(opts)
	log.Infof("history database initialized at %s", path)
	return &SQLStore{db: db, maxAge: maxAge, clock: o.clock}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Save writes records in one transaction, replacing rows that already exist.
func (s *SQLStore) Save(records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO readings (source, key, ts, value, unit) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		ts := r.Timestamp.UTC().UnixMilli()
		for key, v := range r.Values {
			value, unit, err := encodeValue(v)
			if err != nil {
				log.Warnf("%s: skipping %s: %v", r.Source, key, err)
				continue
			}
			if _, err := stmt.Exec(r.Source, key, ts, value, unit); err != nil {
				return fmt.Errorf("failed to insert %s/%s: %w", r.Source, key, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// IngestHistorical persists an eviction batch. Failures are logged; the batch is
// already gone from the live series.
func (s *SQLStore) IngestHistorical(source string, batch map[time.Time]*observation.ArchivedObservation) {
	records := recordsOf(source, batch)
	if len(records) == 0 {
		return
	}
	if err := s.Save(records); err != nil {
		log.Errorf("%s: failed to store %d records: %v", source, len(records), err)
		return
	}
	log.Debugf("%s: stored %d records", source, len(records))
}

// Latest returns the most recent record for a source.
func (s *SQLStore) Latest(source string) (Record, error) {
	var ts sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(ts) FROM readings WHERE source = ?`, source).Scan(&ts); err != nil {
		return Record{}, fmt.Errorf("failed to query latest: %w", err)
	}
	if !ts.Valid {
		return Record{}, ErrNotFound
	}
	at := time.UnixMilli(ts.Int64).UTC()
	records, err := s.Range(source, at, at)
	if err != nil {
		return Record{}, err
	}
	return records[0], nil
}

// Range returns all records for a source between from and to (inclusive).
func (s *SQLStore) Range(source string, from, to time.Time) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT key, ts, value, unit FROM readings WHERE source = ? AND ts BETWEEN ? AND ? ORDER BY ts, key`,
		source, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query range: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		var (
			key, value, unit string
			ts               int64
		)
		if err := rows.Scan(&key, &ts, &value, &unit); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		at := time.UnixMilli(ts).UTC()
		if len(result) == 0 || !result[len(result)-1].Timestamp.Equal(at) {
			result = append(result, Record{Source: source, Timestamp: at, Values: make(map[string]any)})
		}
		v, err := decodeValue(value, unit)
		if err != nil {
			log.Warnf("%s: undecodable %s at %d: %v", source, key, ts, err)
			continue
		}
		result[len(result)-1].Values[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// Sources lists every source with stored history.
func (s *SQLStore) Sources() []string {
	rows, err := s.db.Query(`SELECT DISTINCT source FROM readings ORDER BY source`)
	if err != nil {
		log.Errorf("failed to list sources: %v", err)
		return nil
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err == nil {
			out = append(out, src)
		}
	}
	return out
}

// Sweep deletes rows older than the retention age and returns the number of
// distinct timestamps removed.
func (s *SQLStore) Sweep() int {
	if s.maxAge <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.maxAge).UTC().UnixMilli()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT source || ':' || ts) FROM readings WHERE ts < ?`, cutoff).Scan(&n); err != nil {
		log.Errorf("failed to count expired readings: %v", err)
		return 0
	}
	if _, err := s.db.Exec(`DELETE FROM readings WHERE ts < ?`, cutoff); err != nil {
		log.Errorf("failed to delete expired readings: %v", err)
		return 0
	}
	return n
}

// encodeValue stores measurements as a number plus unit and everything else as JSON.
func encodeValue(v any) (string, string, error) {
	if m, ok := v.(units.Measurement); ok {
		return strconv.FormatFloat(m.Value, 'g', -1, 64), m.Unit, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", "", err
	}
	return string(b), "", nil
}

func decodeValue(value, unit string) (any, error) {
	if unit != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, err
		}
		return units.Measurement{Value: f, Unit: unit}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return nil, err
	}
	return v, nil
}
