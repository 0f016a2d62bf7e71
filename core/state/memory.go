package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tozahudud/patrol/core/model"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	vehicles map[string]model.VehicleState
	bins     map[string]model.Bin
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles: map[string]model.VehicleState{},
		bins:     map[string]model.Bin{},
	}
}

func (s *MemoryStore) GetVehicle(ctx context.Context, id string) (model.VehicleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.VehicleState{}, ErrClosed
	}
	v, ok := s.vehicles[id]
	if !ok {
		return model.VehicleState{}, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) UpsertVehicle(ctx context.Context, id string, p model.VehiclePatch) (model.VehicleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.VehicleState{}, ErrClosed
	}
	v := s.mergeVehicle(id, p)
	s.vehicles[id] = v
	return v.Clone(), nil
}

func (s *MemoryStore) mergeVehicle(id string, p model.VehiclePatch) model.VehicleState {
	cur, ok := s.vehicles[id]
	return MergeVehicle(cur, ok, id, p)
}

func (s *MemoryStore) ListVehicles(ctx context.Context) ([]model.VehicleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	res := make([]model.VehicleState, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		res = append(res, v.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *MemoryStore) GetBin(ctx context.Context, id string) (model.Bin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Bin{}, ErrClosed
	}
	b, ok := s.bins[id]
	if !ok {
		return model.Bin{}, fmt.Errorf("bin %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (s *MemoryStore) UpsertBin(ctx context.Context, id string, p model.BinPatch) (model.Bin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Bin{}, ErrClosed
	}
	b := MergeBin(s.bins[id], id, p)
	s.bins[id] = b
	return b, nil
}

func (s *MemoryStore) ListBins(ctx context.Context) ([]model.Bin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	res := make([]model.Bin, 0, len(s.bins))
	for _, b := range s.bins {
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// Apply merges the whole batch under one lock. Later ops on the same id
// see the result of earlier ones.
func (s *MemoryStore) Apply(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range b.Vehicles {
		s.vehicles[op.ID] = s.mergeVehicle(op.ID, op.Patch)
	}
	for _, op := range b.Bins {
		s.bins[op.ID] = MergeBin(s.bins[op.ID], op.ID, op.Patch)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
