// Package kpi keeps daily per-vehicle dispatch and cleaning totals.
package kpi

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	coremetrics "github.com/tozahudud/patrol/core/metrics"
)

// Record is one vehicle's totals for a UTC day.
type Record struct {
	VehicleID  string    `json:"vehicleId"`
	Date       time.Time `json:"date"`
	Dispatches int       `json:"dispatches"`
	Cleanings  int       `json:"cleanings"`
	DistanceKm float64   `json:"distanceKm"`
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// SQLiteStore persists KPI records in a SQLite database. It is also a
// metrics sink so the engine feeds it directly.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ coremetrics.MetricsSink      = (*SQLiteStore)(nil)
	_ coremetrics.CleaningRecorder = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens or creates the database and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	schema := `CREATE TABLE IF NOT EXISTS vehicle_kpi (
        vehicle_id TEXT,
        day INTEGER,
        dispatches INTEGER NOT NULL DEFAULT 0,
        cleanings INTEGER NOT NULL DEFAULT 0,
        distance_km REAL NOT NULL DEFAULT 0,
        PRIMARY KEY(vehicle_id, day)
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Add merges r into the stored totals for its day.
func (s *SQLiteStore) Add(r Record) error {
	_, err := s.db.Exec(`INSERT INTO vehicle_kpi (vehicle_id, day, dispatches, cleanings, distance_km)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(vehicle_id, day) DO UPDATE SET
            dispatches = dispatches + excluded.dispatches,
            cleanings = cleanings + excluded.cleanings,
            distance_km = distance_km + excluded.distance_km`,
		r.VehicleID, Day(r.Date).Unix(), r.Dispatches, r.Cleanings, r.DistanceKm)
	return err
}

// RecordDispatch counts an assignment and its route length.
func (s *SQLiteStore) RecordDispatch(ev coremetrics.DispatchEvent) error {
	return s.Add(Record{VehicleID: ev.VehicleID, Date: ev.Time, Dispatches: 1, DistanceKm: ev.DistanceKm})
}

// RecordCleaning counts a cleaning. Manual resets without a vehicle are
// not attributed.
func (s *SQLiteStore) RecordCleaning(ev coremetrics.CleaningEvent) error {
	if ev.VehicleID == "" {
		return nil
	}
	return s.Add(Record{VehicleID: ev.VehicleID, Date: ev.Time, Cleanings: 1})
}

// Query returns records in the range [start,end]. An empty vehicleID
// matches every vehicle.
func (s *SQLiteStore) Query(vehicleID string, start, end time.Time) ([]Record, error) {
	rows, err := s.db.Query(`SELECT vehicle_id, day, dispatches, cleanings, distance_km
        FROM vehicle_kpi WHERE (? = '' OR vehicle_id = ?) AND day >= ? AND day <= ?
        ORDER BY day, vehicle_id`,
		vehicleID, vehicleID, Day(start).Unix(), Day(end).Unix())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.VehicleID, &ts, &r.Dispatches, &r.Cleanings, &r.DistanceKm); err != nil {
			return nil, err
		}
		r.Date = time.Unix(ts, 0).UTC()
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
