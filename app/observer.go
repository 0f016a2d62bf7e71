package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/logger"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/projection"
)

// SnapshotFunc fetches the authoritative state.
type SnapshotFunc func(ctx context.Context) (dispatch.Snapshot, error)

// HTTPSnapshot fetches snapshots from a serving instance's /api/snapshot.
func HTTPSnapshot(baseURL string, client *http.Client) SnapshotFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := strings.TrimRight(baseURL, "/") + "/api/snapshot"
	return func(ctx context.Context) (dispatch.Snapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return dispatch.Snapshot{}, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return dispatch.Snapshot{}, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return dispatch.Snapshot{}, fmt.Errorf("snapshot: status %d", resp.StatusCode)
		}
		var snap dispatch.Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return dispatch.Snapshot{}, fmt.Errorf("snapshot: %w", err)
		}
		return snap, nil
	}
}

// Summary counts what an observer currently sees.
type Summary struct {
	Seq      uint64
	Vehicles map[model.State]int
	Bins     int
	FullBins int
}

// Observer follows the engine passively through a projection. It never
// dispatches.
type Observer struct {
	View  *projection.View
	fetch SnapshotFunc
	log   logger.Logger
}

// NewObserver creates an observer that resyncs through fetch.
func NewObserver(fetch SnapshotFunc, log logger.Logger) (*Observer, error) {
	if fetch == nil {
		return nil, errors.New("observer: nil snapshot func")
	}
	return &Observer{View: projection.New(), fetch: fetch, log: logger.OrNop(log)}, nil
}

// Resync resets the view from a fresh snapshot.
func (o *Observer) Resync(ctx context.Context) error {
	snap, err := o.fetch(ctx)
	if err != nil {
		return err
	}
	o.View.Reset(events.SnapshotEvent{Vehicles: snap.Vehicles, Bins: snap.Bins}, snap.Seq)
	o.log.Infof("resynced at seq %d", snap.Seq)
	return nil
}

// Run applies envelopes from ch until it closes or ctx is done. A gap
// triggers a resync; resync failures are logged and retried on the next
// envelope.
func (o *Observer) Run(ctx context.Context, ch <-chan events.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			err := o.View.Apply(env)
			if !errors.Is(err, projection.ErrGap) {
				if err != nil {
					o.log.Warnf("apply %s #%d: %v", env.Type, env.Seq, err)
				}
				continue
			}
			if err := o.Resync(ctx); err != nil {
				o.log.Warnf("resync: %v", err)
				continue
			}
			if err := o.View.Apply(env); err != nil && !errors.Is(err, projection.ErrGap) {
				o.log.Warnf("apply %s #%d: %v", env.Type, env.Seq, err)
			}
		}
	}
}

// Summary reports the current view.
func (o *Observer) Summary() Summary {
	s := Summary{Seq: o.View.Seq(), Vehicles: map[model.State]int{}}
	for _, v := range o.View.Vehicles() {
		s.Vehicles[v.State]++
	}
	for _, b := range o.View.Bins() {
		s.Bins++
		if b.IsFull() {
			s.FullBins++
		}
	}
	return s
}
