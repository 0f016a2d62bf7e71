// Package store provides a durable state.Store on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/state"
)

// SQLiteStore keeps vehicle and bin records as JSON documents. Every write
// is a read-modify-write inside one transaction.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.RWMutex
	closed bool
}

var _ state.Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS vehicles (
    id TEXT PRIMARY KEY,
    updated_at INTEGER,
    record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bins (
    id TEXT PRIMARY KEY,
    updated_at INTEGER,
    record TEXT NOT NULL
);`

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return state.ErrClosed
	}
	return nil
}

func loadVehicle(ctx context.Context, q queryer, id string) (model.VehicleState, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT record FROM vehicles WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.VehicleState{}, false, nil
	}
	if err != nil {
		return model.VehicleState{}, false, fmt.Errorf("load vehicle %s: %w", id, err)
	}
	var v model.VehicleState
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return model.VehicleState{}, false, fmt.Errorf("unmarshal vehicle %s: %w", id, err)
	}
	return v, true, nil
}

func loadBin(ctx context.Context, q queryer, id string) (model.Bin, bool, error) {
	var data string
	err := q.QueryRowContext(ctx, `SELECT record FROM bins WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bin{}, false, nil
	}
	if err != nil {
		return model.Bin{}, false, fmt.Errorf("load bin %s: %w", id, err)
	}
	var b model.Bin
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return model.Bin{}, false, fmt.Errorf("unmarshal bin %s: %w", id, err)
	}
	return b, true, nil
}

func saveVehicle(ctx context.Context, tx *sql.Tx, v model.VehicleState) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO vehicles (id, updated_at, record) VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, record = excluded.record`,
		v.ID, v.UpdatedAt.UnixNano(), string(b))
	if err != nil {
		return fmt.Errorf("save vehicle %s: %w", v.ID, err)
	}
	return nil
}

func saveBin(ctx context.Context, tx *sql.Tx, bin model.Bin) error {
	b, err := json.Marshal(bin)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO bins (id, updated_at, record) VALUES (?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, record = excluded.record`,
		bin.ID, bin.UpdatedAt.UnixNano(), string(b))
	if err != nil {
		return fmt.Errorf("save bin %s: %w", bin.ID, err)
	}
	return nil
}

// inTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := s.check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVehicle(ctx context.Context, id string) (model.VehicleState, error) {
	if err := s.check(); err != nil {
		return model.VehicleState{}, err
	}
	v, ok, err := loadVehicle(ctx, s.db, id)
	if err != nil {
		return model.VehicleState{}, err
	}
	if !ok {
		return model.VehicleState{}, fmt.Errorf("vehicle %s: %w", id, state.ErrNotFound)
	}
	return v, nil
}

func (s *SQLiteStore) UpsertVehicle(ctx context.Context, id string, p model.VehiclePatch) (model.VehicleState, error) {
	var out model.VehicleState
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, ok, err := loadVehicle(ctx, tx, id)
		if err != nil {
			return err
		}
		out = state.MergeVehicle(cur, ok, id, p)
		return saveVehicle(ctx, tx, out)
	})
	return out, err
}

func (s *SQLiteStore) ListVehicles(ctx context.Context) ([]model.VehicleState, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.VehicleState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v model.VehicleState
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal vehicle: %w", err)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (s *SQLiteStore) GetBin(ctx context.Context, id string) (model.Bin, error) {
	if err := s.check(); err != nil {
		return model.Bin{}, err
	}
	b, ok, err := loadBin(ctx, s.db, id)
	if err != nil {
		return model.Bin{}, err
	}
	if !ok {
		return model.Bin{}, fmt.Errorf("bin %s: %w", id, state.ErrNotFound)
	}
	return b, nil
}

func (s *SQLiteStore) UpsertBin(ctx context.Context, id string, p model.BinPatch) (model.Bin, error) {
	var out model.Bin
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, _, err := loadBin(ctx, tx, id)
		if err != nil {
			return err
		}
		out = state.MergeBin(cur, id, p)
		return saveBin(ctx, tx, out)
	})
	return out, err
}

func (s *SQLiteStore) ListBins(ctx context.Context) ([]model.Bin, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM bins ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Bin
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b model.Bin
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, fmt.Errorf("unmarshal bin: %w", err)
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Apply commits the whole batch in one transaction. Ops on the same id are
// folded in order before writing.
func (s *SQLiteStore) Apply(ctx context.Context, b state.Batch) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		vehicles := map[string]model.VehicleState{}
		var vorder []string
		for _, op := range b.Vehicles {
			cur, ok := vehicles[op.ID]
			if !ok {
				var err error
				cur, ok, err = loadVehicle(ctx, tx, op.ID)
				if err != nil {
					return err
				}
				vorder = append(vorder, op.ID)
			}
			vehicles[op.ID] = state.MergeVehicle(cur, ok, op.ID, op.Patch)
		}
		for _, id := range vorder {
			if err := saveVehicle(ctx, tx, vehicles[id]); err != nil {
				return err
			}
		}

		bins := map[string]model.Bin{}
		var border []string
		for _, op := range b.Bins {
			cur, ok := bins[op.ID]
			if !ok {
				var err error
				cur, _, err = loadBin(ctx, tx, op.ID)
				if err != nil {
					return err
				}
				border = append(border, op.ID)
			}
			bins[op.ID] = state.MergeBin(cur, op.ID, op.Patch)
		}
		for _, id := range border {
			if err := saveBin(ctx, tx, bins[id]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
