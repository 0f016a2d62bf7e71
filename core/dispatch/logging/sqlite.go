package logging

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const historySchema = `CREATE TABLE IF NOT EXISTS dispatch_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           INTEGER NOT NULL,
	outcome      TEXT NOT NULL,
	bin_id       TEXT NOT NULL,
	vehicle_id   TEXT NOT NULL DEFAULT '',
	distance_km  REAL NOT NULL DEFAULT 0,
	duration_min REAL,
	waypoints    INTEGER NOT NULL DEFAULT 0,
	fallback     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS dispatch_history_ts ON dispatch_history (ts);`

// SQLiteStore keeps the history in one table, one column per field.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("logging: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts rec.
func (s *SQLiteStore) Append(ctx context.Context, rec LogRecord) error {
	var dur sql.NullFloat64
	if rec.DurationMin != nil {
		dur = sql.NullFloat64{Float64: *rec.DurationMin, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_history (ts, outcome, bin_id, vehicle_id, distance_km, duration_min, waypoints, fallback)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixNano(), string(rec.Outcome), rec.BinID, rec.VehicleID,
		rec.DistanceKm, dur, rec.Waypoints, rec.Fallback)
	return err
}

// Query returns matching records oldest first. With a limit only the
// newest q.Limit records are kept.
func (s *SQLiteStore) Query(ctx context.Context, q LogQuery) ([]LogRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if !q.Start.IsZero() {
		add("ts >= ?", q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		add("ts <= ?", q.End.UnixNano())
	}
	if q.Outcome != "" {
		add("outcome = ?", string(q.Outcome))
	}
	if q.BinID != "" {
		add("bin_id = ?", q.BinID)
	}
	if q.VehicleID != "" {
		add("vehicle_id = ?", q.VehicleID)
	}

	inner := `SELECT id, ts, outcome, bin_id, vehicle_id, distance_km, duration_min, waypoints, fallback FROM dispatch_history`
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}
	inner += " ORDER BY ts DESC, id DESC"
	if q.Limit > 0 {
		inner += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM ("+inner+") ORDER BY ts, id", args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var res []LogRecord
	for rows.Next() {
		var (
			id       int64
			ts       int64
			outcome  string
			r        LogRecord
			dur      sql.NullFloat64
			fallback bool
		)
		if err := rows.Scan(&id, &ts, &outcome, &r.BinID, &r.VehicleID, &r.DistanceKm, &dur, &r.Waypoints, &fallback); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		r.Outcome = Outcome(outcome)
		r.Fallback = fallback
		if dur.Valid {
			d := dur.Float64
			r.DurationMin = &d
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
