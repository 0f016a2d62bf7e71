// Package state holds the authoritative vehicle and bin records.
package state

import (
	"context"
	"errors"

	"github.com/tozahudud/patrol/core/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("state: not found")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("state: store closed")
)

// VehicleOp is one vehicle update inside a Batch.
type VehicleOp struct {
	ID    string
	Patch model.VehiclePatch
}

// BinOp is one bin update inside a Batch.
type BinOp struct {
	ID    string
	Patch model.BinPatch
}

// Batch groups updates that must commit together or not at all.
type Batch struct {
	Vehicles []VehicleOp
	Bins     []BinOp
}

// Vehicle appends a vehicle update.
func (b *Batch) Vehicle(id string, p model.VehiclePatch) {
	b.Vehicles = append(b.Vehicles, VehicleOp{ID: id, Patch: p})
}

// Bin appends a bin update.
func (b *Batch) Bin(id string, p model.BinPatch) {
	b.Bins = append(b.Bins, BinOp{ID: id, Patch: p})
}

// Empty reports whether the batch has no updates.
func (b Batch) Empty() bool { return len(b.Vehicles) == 0 && len(b.Bins) == 0 }

// Store is the single writer of vehicle and bin truth. Upserts merge only
// the supplied fields and create the record when it is missing.
type Store interface {
	GetVehicle(ctx context.Context, id string) (model.VehicleState, error)
	UpsertVehicle(ctx context.Context, id string, p model.VehiclePatch) (model.VehicleState, error)
	ListVehicles(ctx context.Context) ([]model.VehicleState, error)

	GetBin(ctx context.Context, id string) (model.Bin, error)
	UpsertBin(ctx context.Context, id string, p model.BinPatch) (model.Bin, error)
	ListBins(ctx context.Context) ([]model.Bin, error)

	// Apply commits every update in b atomically.
	Apply(ctx context.Context, b Batch) error
	Close() error
}

// MergeVehicle applies p to cur. When found is false a fresh patrolling
// record is created first.
func MergeVehicle(cur model.VehicleState, found bool, id string, p model.VehiclePatch) model.VehicleState {
	if !found {
		cur = model.VehicleState{ID: id, State: model.Patrolling}
	}
	v := p.Merge(cur)
	v.ID = id
	return v
}

// MergeBin applies p to cur, keeping the id.
func MergeBin(cur model.Bin, id string, p model.BinPatch) model.Bin {
	b := p.Merge(cur)
	b.ID = id
	return b
}
