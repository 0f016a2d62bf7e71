package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tozahudud/patrol/core/dispatch/logging"
	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/logger"
	"github.com/tozahudud/patrol/core/metrics"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/routing"
	"github.com/tozahudud/patrol/core/state"
	"github.com/tozahudud/patrol/internal/eventbus"
)

var (
	ErrUnknownBin     = errors.New("dispatch: unknown bin")
	ErrUnknownVehicle = errors.New("dispatch: unknown vehicle")
	ErrNotEnRoute     = errors.New("dispatch: vehicle is not en route")
	ErrBadStatus      = errors.New("dispatch: bin status must be FULL or EMPTY")
)

// maxPartialFill caps estimates from non-full readings so that only a
// full signal can put a bin in the full band.
const maxPartialFill = 89

// subscriberBuffer is the per-subscriber envelope queue behind the batch
// pump.
const subscriberBuffer = 256

// Snapshot is a consistent view of all records at a sequence number.
type Snapshot struct {
	Seq      uint64               `json:"seq"`
	Vehicles []model.VehicleState `json:"vehicles"`
	Bins     []model.Bin          `json:"bins"`
}

// Engine is the single authoritative dispatch and patrol loop. Every
// mutation of the store and every published event happens under one lock,
// so subscribers observe events in commit order with contiguous sequence
// numbers.
type Engine struct {
	cfg      Config
	store    state.Store
	provider routing.Provider
	bus      *eventbus.TypedBus[[]events.Envelope]
	log      logger.Logger

	subMu sync.Mutex
	subs  map[<-chan events.Envelope]*subscription

	sink    metrics.MetricsSink
	history logging.LogStore
	now     func() time.Time

	mu       sync.Mutex
	seq      uint64
	ticks    uint64
	reserved map[string]string          // bin -> vehicle while a route resolves
	pending  map[string]bool            // full bins without a vehicle
	exclude  map[string]map[string]bool // bin -> vehicles released on timeout
	closed   bool

	inflight sync.WaitGroup
}

// NewEngine validates its dependencies and returns an idle engine.
func NewEngine(cfg Config, store state.Store, provider routing.Provider, log logger.Logger) (*Engine, error) {
	if store == nil || provider == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewEngine (store=%v provider=%v)", store != nil, provider != nil)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		provider: provider,
		bus:      eventbus.NewTyped[[]events.Envelope](eventbus.WithBuffer(cfg.EventBuffer)),
		log:      logger.OrNop(log),
		subs:     map[<-chan events.Envelope]*subscription{},
		sink:     metrics.NopSink{},
		history:  logging.NopStore{},
		now:      time.Now,
		reserved: map[string]string{},
		pending:  map[string]bool{},
		exclude:  map[string]map[string]bool{},
	}, nil
}

// SetMetricsSink configures where dispatch records are sent.
func (e *Engine) SetMetricsSink(s metrics.MetricsSink) {
	if s == nil {
		s = metrics.NopSink{}
	}
	e.mu.Lock()
	e.sink = s
	e.mu.Unlock()
}

// SetLogStore configures the dispatch history store.
func (e *Engine) SetLogStore(s logging.LogStore) {
	if s == nil {
		s = logging.NopStore{}
	}
	e.mu.Lock()
	e.history = s
	e.mu.Unlock()
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Subscribe returns a channel of committed envelopes.
func (e *Engine) Subscribe() <-chan events.Envelope { return e.subscribe() }

// Unsubscribe releases a subscription.
func (e *Engine) Unsubscribe(ch <-chan events.Envelope) {
	e.subMu.Lock()
	sub, ok := e.subs[ch]
	delete(e.subs, ch)
	e.subMu.Unlock()
	if !ok {
		return
	}
	close(sub.done)
	e.bus.Unsubscribe(sub.batches)
}

// subscription unpacks commit batches from the bus into single envelopes.
// The bus holds whole commits, so a tick over a large fleet occupies one
// slot rather than one per envelope. Only a subscriber that falls
// EventBuffer commits behind loses data.
type subscription struct {
	batches <-chan []events.Envelope
	out     chan events.Envelope
	done    chan struct{}
}

func (e *Engine) subscribe() <-chan events.Envelope {
	sub := &subscription{
		batches: e.bus.Subscribe(),
		out:     make(chan events.Envelope, subscriberBuffer),
		done:    make(chan struct{}),
	}
	e.subMu.Lock()
	e.subs[sub.out] = sub
	e.subMu.Unlock()
	go sub.pump()
	return sub.out
}

func (s *subscription) pump() {
	defer close(s.out)
	for batch := range s.batches {
		for _, env := range batch {
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
	}
}

// Dropped reports how many commit batches were discarded for slow
// subscribers.
func (e *Engine) Dropped() uint64 { return e.bus.Dropped() }

// SubscribeWithSnapshot atomically captures the current state and opens a
// subscription. Every envelope on the channel has Seq > snapshot.Seq.
func (e *Engine) SubscribeWithSnapshot(ctx context.Context) (Snapshot, <-chan events.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, err := e.snapshotLocked(ctx)
	if err != nil {
		return Snapshot{}, nil, err
	}
	return snap, e.subscribe(), nil
}

// Snapshot returns the current state and sequence number.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(ctx)
}

func (e *Engine) snapshotLocked(ctx context.Context) (Snapshot, error) {
	vehicles, err := e.store.ListVehicles(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dispatch: snapshot vehicles: %w", err)
	}
	bins, err := e.store.ListBins(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dispatch: snapshot bins: %w", err)
	}
	if vehicles == nil {
		vehicles = []model.VehicleState{}
	}
	if bins == nil {
		bins = []model.Bin{}
	}
	return Snapshot{Seq: e.seq, Vehicles: vehicles, Bins: bins}, nil
}

// Pending lists full bins currently waiting for an eligible vehicle.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.pending))
	for id := range e.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WaitIdle blocks until every in-flight route resolution has committed.
func (e *Engine) WaitIdle() { e.inflight.Wait() }

// Close stops accepting route commits, waits for in-flight work and
// closes all subscriptions.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
	e.bus.Close()
	return nil
}

type pendingEvent struct {
	t       events.Type
	payload any
}

// outbox collects what a locked operation publishes once its writes have
// committed, plus side effects to run after the lock is released.
type outbox struct {
	events []pendingEvent
	after  []func()
}

func (o *outbox) emit(t events.Type, payload any) {
	o.events = append(o.events, pendingEvent{t: t, payload: payload})
}

func (o *outbox) then(fn func()) { o.after = append(o.after, fn) }

func (e *Engine) run(fn func(o *outbox) error) error {
	o := &outbox{}
	e.mu.Lock()
	err := fn(o)
	e.flushLocked(o)
	e.mu.Unlock()
	for _, f := range o.after {
		f()
	}
	return err
}

func (e *Engine) flushLocked(o *outbox) {
	if len(o.events) == 0 {
		return
	}
	batch := make([]events.Envelope, 0, len(o.events))
	for _, ev := range o.events {
		env, err := events.New(ev.t, e.seq+1, ev.payload)
		if err != nil {
			e.log.Errorf("drop %s event: %v", ev.t, err)
			continue
		}
		e.seq++
		batch = append(batch, env)
	}
	if len(batch) > 0 {
		e.bus.Publish(batch)
	}
}

// Run drives the tick clock and consumes sensor readings until ctx is
// cancelled. In-flight route resolutions are awaited before returning.
func (e *Engine) Run(ctx context.Context, readings <-chan model.SensorReading) error {
	if err := e.Recover(ctx); err != nil {
		e.log.Warnf("recover pending bins: %v", err)
	}
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.WaitIdle()
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.log.Errorf("tick failed: %v", err)
			}
		case r, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			if err := e.HandleSensor(ctx, r); err != nil {
				if errors.Is(err, ErrUnknownBin) {
					e.log.Warnf("sensor reading dropped: %v", err)
				} else {
					e.log.Errorf("sensor reading: %v", err)
				}
			}
		}
	}
}

// Recover marks every full bin without a vehicle as pending. It is used
// after a restart, when assignments that were resolving are lost.
func (e *Engine) Recover(ctx context.Context) error {
	return e.run(func(o *outbox) error {
		vehicles, err := e.store.ListVehicles(ctx)
		if err != nil {
			return err
		}
		bins, err := e.store.ListBins(ctx)
		if err != nil {
			return err
		}
		for _, b := range bins {
			if b.IsFull() && targetedBy(vehicles, b.ID) == "" && e.reserved[b.ID] == "" {
				e.pending[b.ID] = true
			}
		}
		e.pendingChangedLocked(o)
		return nil
	})
}

// Tick advances every vehicle by one step and commits the result as a
// single batch. When the commit fails nothing is published and the store
// is left as it was.
func (e *Engine) Tick(ctx context.Context) error {
	start := time.Now()
	var sum metrics.TickEvent
	err := e.run(func(o *outbox) error { return e.tickLocked(ctx, o, &sum) })
	sum.Duration = time.Since(start)
	sum.Failed = err != nil
	sum.Time = start
	if err != nil {
		tickFailures.Inc()
	} else {
		ticksTotal.Inc()
	}
	if rec, ok := e.currentSink().(metrics.TickRecorder); ok {
		if rerr := rec.RecordTick(sum); rerr != nil {
			e.log.Debugf("record tick: %v", rerr)
		}
	}
	return err
}

func (e *Engine) currentSink() metrics.MetricsSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}

type timedOut struct {
	binID, vehicleID string
}

type cleaned struct {
	binID, vehicleID string
}

func (e *Engine) tickLocked(ctx context.Context, o *outbox, sum *metrics.TickEvent) error {
	now := e.now()
	vehicles, err := e.store.ListVehicles(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: tick: list vehicles: %w", err)
	}
	binList, err := e.store.ListBins(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: tick: list bins: %w", err)
	}
	bins := make(map[string]model.Bin, len(binList))
	for _, b := range binList {
		bins[b.ID] = b
	}

	var (
		batch     state.Batch
		staged    []pendingEvent
		positions []metrics.PositionEvent
		arrivals  []cleaned
		timeouts  []timedOut
	)
	stage := func(t events.Type, payload any) {
		staged = append(staged, pendingEvent{t: t, payload: payload})
	}

	held := e.reservedVehiclesLocked()
	for _, v := range vehicles {
		// A vehicle whose route is resolving stays where the route starts.
		if held[v.ID] {
			continue
		}
		if e.cfg.timeoutEnabled() && v.State == model.EnRoute && v.AssignedAt != nil &&
			now.Sub(*v.AssignedAt) >= e.cfg.AssignmentTimeout {
			p := releasePatch(now)
			batch.Vehicle(v.ID, p)
			stage(events.VehicleState, events.StateEventFor(p.Merge(v)))
			timeouts = append(timeouts, timedOut{binID: v.TargetBinID, vehicleID: v.ID})
			continue
		}

		res := Step(v, now)
		if res.Patch.IsEmpty() {
			continue
		}
		batch.Vehicle(v.ID, res.Patch)
		if res.Moved {
			sum.Moved++
			pos := res.Vehicle.Position
			stage(events.VehiclePosition, events.VehiclePositionEvent{VehicleID: v.ID, Latitude: pos.Lat, Longitude: pos.Lon})
			positions = append(positions, metrics.PositionEvent{VehicleID: v.ID, Position: pos, State: res.Vehicle.State, Time: now})
		}
		switch {
		case res.Arrival != nil:
			sum.Arrivals++
			stage(events.VehicleState, cleaningEvent(v.ID))
			stage(events.VehicleState, events.StateEventFor(res.Vehicle))
			if bin, ok := bins[res.Arrival.BinID]; ok {
				bp, ev := cleanBin(bin, now)
				batch.Bin(bin.ID, bp)
				bins[bin.ID] = bp.Merge(bin)
				stage(events.BinUpdate, ev)
				arrivals = append(arrivals, cleaned{binID: bin.ID, vehicleID: v.ID})
			} else {
				e.log.Warnf("vehicle %s arrived at unknown bin %q", v.ID, res.Arrival.BinID)
			}
		case len(res.Transitions) > 0:
			stage(events.VehicleState, events.StateEventFor(res.Vehicle))
		case res.Patch.PatrolIndex != nil && res.Vehicle.PatrolIndex != v.PatrolIndex:
			stage(events.VehicleState, events.VehicleStateEvent{VehicleID: v.ID, PatrolIndex: model.Ptr(res.Vehicle.PatrolIndex)})
		}
	}
	sum.Vehicles = len(vehicles)

	if !batch.Empty() {
		if err := e.store.Apply(ctx, batch); err != nil {
			return fmt.Errorf("dispatch: tick: commit: %w", err)
		}
	}
	e.ticks++
	o.events = append(o.events, staged...)

	sink := e.sink
	if rec, ok := sink.(metrics.PositionRecorder); ok && len(positions) > 0 {
		o.then(func() {
			for _, p := range positions {
				if err := rec.RecordPosition(p); err != nil {
					e.log.Debugf("record position: %v", err)
					return
				}
			}
		})
	}
	for _, a := range arrivals {
		e.cleanedLocked(o, a.binID, a.vehicleID, "arrival", now)
	}

	var retry []string
	for _, t := range timeouts {
		assignTimeouts.Inc()
		e.log.Warnf("vehicle %s exceeded %s on bin %s; reassigning", t.vehicleID, e.cfg.AssignmentTimeout, t.binID)
		if t.binID == "" {
			continue
		}
		if e.exclude[t.binID] == nil {
			e.exclude[t.binID] = map[string]bool{}
		}
		e.exclude[t.binID][t.vehicleID] = true
		e.appendHistory(o, logging.LogRecord{Timestamp: now, Outcome: logging.OutcomeTimeout, BinID: t.binID, VehicleID: t.vehicleID})
		retry = append(retry, t.binID)
	}
	if e.cfg.retryEnabled() && e.ticks%uint64(e.cfg.PendingRetryTicks) == 0 {
		for _, b := range binList {
			if b.IsFull() {
				retry = append(retry, b.ID)
			}
		}
	}
	if len(retry) == 0 {
		return nil
	}

	// the tick is committed; a failure here only delays the retry
	fresh, err := e.store.ListVehicles(ctx)
	if err != nil {
		e.log.Warnf("pending retry skipped: %v", err)
		return nil
	}
	seen := map[string]bool{}
	for _, id := range retry {
		if seen[id] {
			continue
		}
		seen[id] = true
		bin, ok := bins[id]
		if !ok || !bin.IsFull() || e.reserved[id] != "" || targetedBy(fresh, id) != "" {
			continue
		}
		if err := e.fullSignalLocked(ctx, o, bin); err != nil {
			e.log.Warnf("retry bin %s: %v", id, err)
		}
	}
	return nil
}

func cleaningEvent(vehicleID string) events.VehicleStateEvent {
	st := model.Cleaning
	return events.VehicleStateEvent{VehicleID: vehicleID, Status: &st, IsPatrolling: model.Ptr(false)}
}

func cleanBin(bin model.Bin, now time.Time) (model.BinPatch, events.BinUpdateEvent) {
	fill := model.EmptyFillLevel
	count := bin.CleanedCount + 1
	p := model.BinPatch{FillLevel: &fill, CleanedCount: &count, LastCleanedAt: &now, UpdatedAt: &now}
	return p, events.BinUpdateEvent{BinID: bin.ID, FillLevel: fill, Status: model.StatusFor(fill), CleanedCount: &count}
}

func targetedBy(vehicles []model.VehicleState, binID string) string {
	for _, v := range vehicles {
		if v.TargetBinID == binID && v.State == model.EnRoute {
			return v.ID
		}
	}
	return ""
}

func (e *Engine) reservedVehiclesLocked() map[string]bool {
	out := make(map[string]bool, len(e.reserved))
	for _, vid := range e.reserved {
		out[vid] = true
	}
	return out
}

func (e *Engine) pendingChangedLocked(o *outbox) {
	n := len(e.pending)
	pendingBins.Set(float64(n))
	if rec, ok := e.sink.(metrics.PendingRecorder); ok {
		o.then(func() { _ = rec.RecordPending(n) })
	}
}

func (e *Engine) appendHistory(o *outbox, rec logging.LogRecord) {
	h := e.history
	o.then(func() {
		if err := h.Append(context.Background(), rec); err != nil {
			e.log.Warnf("dispatch history: %v", err)
		}
	})
}

func (e *Engine) cleanedLocked(o *outbox, binID, vehicleID, source string, now time.Time) {
	delete(e.exclude, binID)
	if e.pending[binID] {
		delete(e.pending, binID)
		e.pendingChangedLocked(o)
	}
	cleaningsTotal.WithLabelValues(source).Inc()
	e.log.Infof("bin %s cleaned (source=%s vehicle=%s)", binID, source, vehicleID)

	outcome := logging.OutcomeCleaned
	if source == "manual" {
		outcome = logging.OutcomeManual
	}
	e.appendHistory(o, logging.LogRecord{Timestamp: now, Outcome: outcome, BinID: binID, VehicleID: vehicleID})
	if rec, ok := e.sink.(metrics.CleaningRecorder); ok {
		ev := metrics.CleaningEvent{BinID: binID, VehicleID: vehicleID, Source: source, Time: now}
		o.then(func() {
			if err := rec.RecordCleaning(ev); err != nil {
				e.log.Debugf("record cleaning: %v", err)
			}
		})
	}
}

// HandleSensor maps a distance reading to the bin's fill level and raises
// a full signal when the reading is at or below the threshold.
func (e *Engine) HandleSensor(ctx context.Context, r model.SensorReading) error {
	if r.BinID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownBin)
	}
	return e.run(func(o *outbox) error {
		bin, err := e.getBinLocked(ctx, r.BinID)
		if err != nil {
			return err
		}
		now := e.now()
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		full := r.DistanceCm <= e.cfg.FullThresholdCm
		fill := bin.FillLevel
		switch {
		case full:
			fill = model.FullFillLevel
		case bin.IsFull():
			// a full bin stays full until it is cleaned
		default:
			fill = clamp(model.EstimateFill(r.DistanceCm), model.EmptyFillLevel, maxPartialFill)
		}
		dist := r.DistanceCm
		updated, err := e.store.UpsertBin(ctx, bin.ID, model.BinPatch{FillLevel: &fill, LastDistanceCm: &dist, UpdatedAt: &now})
		if err != nil {
			return fmt.Errorf("dispatch: sensor %s: %w", bin.ID, err)
		}
		o.emit(events.SensorData, events.SensorDataEvent{BinID: bin.ID, Distance: dist, Timestamp: ts})
		status := events.StatusEmpty
		if full {
			status = events.StatusFull
		}
		o.emit(events.BinStatus, events.BinStatusEvent{BinID: bin.ID, Status: status})
		if updated.FillLevel != bin.FillLevel {
			o.emit(events.BinUpdate, events.BinUpdateEvent{BinID: bin.ID, FillLevel: updated.FillLevel, Status: updated.Status()})
		}
		if full {
			return e.fullSignalLocked(ctx, o, updated)
		}
		return nil
	})
}

// HandleBinStatus applies an explicit FULL or EMPTY signal.
func (e *Engine) HandleBinStatus(ctx context.Context, binID, status string) error {
	status = strings.ToUpper(strings.TrimSpace(status))
	if status != events.StatusFull && status != events.StatusEmpty {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	return e.run(func(o *outbox) error {
		bin, err := e.getBinLocked(ctx, binID)
		if err != nil {
			return err
		}
		now := e.now()
		fill := model.EmptyFillLevel
		if status == events.StatusFull {
			fill = model.FullFillLevel
		}
		updated := bin
		if bin.FillLevel != fill {
			updated, err = e.store.UpsertBin(ctx, bin.ID, model.BinPatch{FillLevel: &fill, UpdatedAt: &now})
			if err != nil {
				return fmt.Errorf("dispatch: bin status %s: %w", bin.ID, err)
			}
		}
		o.emit(events.BinStatus, events.BinStatusEvent{BinID: bin.ID, Status: status})
		if updated.FillLevel != bin.FillLevel {
			o.emit(events.BinUpdate, events.BinUpdateEvent{BinID: bin.ID, FillLevel: updated.FillLevel, Status: updated.Status()})
		}
		if status == events.StatusFull {
			return e.fullSignalLocked(ctx, o, updated)
		}
		delete(e.exclude, bin.ID)
		if e.pending[bin.ID] {
			delete(e.pending, bin.ID)
			e.pendingChangedLocked(o)
		}
		return nil
	})
}

func (e *Engine) getBinLocked(ctx context.Context, id string) (model.Bin, error) {
	bin, err := e.store.GetBin(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return model.Bin{}, fmt.Errorf("%w: %s", ErrUnknownBin, id)
	}
	if err != nil {
		return model.Bin{}, fmt.Errorf("dispatch: load bin %s: %w", id, err)
	}
	return bin, nil
}

// fullSignalLocked handles a full bin. A bin that already has a vehicle,
// committed or resolving, is left alone. Otherwise this is a new full
// signal: every cleaned flag is cleared and a vehicle is selected.
func (e *Engine) fullSignalLocked(ctx context.Context, o *outbox, bin model.Bin) error {
	vehicles, err := e.store.ListVehicles(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: full signal %s: %w", bin.ID, err)
	}
	if vid := e.reserved[bin.ID]; vid != "" {
		ignoredSignals.Inc()
		e.log.Debugf("bin %s already being assigned to %s", bin.ID, vid)
		return nil
	}
	if vid := targetedBy(vehicles, bin.ID); vid != "" {
		ignoredSignals.Inc()
		e.log.Debugf("bin %s already assigned to %s", bin.ID, vid)
		return nil
	}

	now := e.now()
	var batch state.Batch
	var reset []string
	for i := range vehicles {
		if vehicles[i].HasCleanedOnce {
			batch.Vehicle(vehicles[i].ID, model.VehiclePatch{HasCleanedOnce: model.Ptr(false), UpdatedAt: &now})
			vehicles[i].HasCleanedOnce = false
			reset = append(reset, vehicles[i].ID)
		}
	}
	if !batch.Empty() {
		if err := e.store.Apply(ctx, batch); err != nil {
			return fmt.Errorf("dispatch: reset cleaned flags: %w", err)
		}
		for _, id := range reset {
			o.emit(events.VehicleState, events.VehicleStateEvent{VehicleID: id, HasCleanedOnce: model.Ptr(false)})
		}
	}
	e.dispatchLocked(ctx, o, bin, vehicles)
	return nil
}

// dispatchLocked reserves the nearest eligible vehicle for bin and resolves
// its route off the lock. The reservation keeps both the bin and the
// vehicle out of other dispatches until the commit.
func (e *Engine) dispatchLocked(ctx context.Context, o *outbox, bin model.Bin, vehicles []model.VehicleState) bool {
	opts := SelectOptions{Reserved: e.reservedVehiclesLocked(), Exclude: e.exclude[bin.ID]}
	c, ok := SelectVehicle(bin, vehicles, opts)
	if !ok {
		if !e.pending[bin.ID] {
			e.pending[bin.ID] = true
			e.pendingChangedLocked(o)
			e.log.Infof("no eligible vehicle for bin %s; pending", bin.ID)
			e.appendHistory(o, logging.LogRecord{Timestamp: e.now(), Outcome: logging.OutcomePending, BinID: bin.ID})
		}
		return false
	}
	e.reserved[bin.ID] = c.Vehicle.ID
	if e.pending[bin.ID] {
		delete(e.pending, bin.ID)
		e.pendingChangedLocked(o)
	}
	reassigned := len(e.exclude[bin.ID]) > 0
	e.log.Debugf("reserved vehicle %s for bin %s (%.3f km)", c.Vehicle.ID, bin.ID, c.DistanceKm)

	e.inflight.Add(1)
	go e.resolve(context.WithoutCancel(ctx), bin, c, reassigned)
	return true
}

func (e *Engine) resolve(ctx context.Context, bin model.Bin, c Candidate, reassigned bool) {
	defer e.inflight.Done()

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RouteTimeout)
	start := time.Now()
	route := e.provider.ComputeRoute(rctx, c.Vehicle.Position, bin.Location)
	cancel()
	latency := time.Since(start)
	routeLatency.Observe(latency.Seconds())
	if len(route.Waypoints) == 0 {
		route = routing.Fallback(c.Vehicle.Position, bin.Location)
	}

	err := e.run(func(o *outbox) error {
		return e.commitLocked(ctx, o, bin.ID, c, route, latency, reassigned)
	})
	if err != nil {
		e.log.Errorf("commit assignment for bin %s: %v", bin.ID, err)
	}
}

func (e *Engine) commitLocked(ctx context.Context, o *outbox, binID string, c Candidate, route routing.Route, latency time.Duration, reassigned bool) error {
	delete(e.reserved, binID)
	if e.closed {
		return nil
	}
	vid := c.Vehicle.ID
	bin, err := e.getBinLocked(ctx, binID)
	if err != nil {
		return err
	}
	if !bin.IsFull() {
		e.log.Debugf("bin %s emptied while routing; dropping assignment", binID)
		return nil
	}
	v, err := e.store.GetVehicle(ctx, vid)
	if err != nil {
		e.pending[binID] = true
		e.pendingChangedLocked(o)
		return fmt.Errorf("dispatch: load vehicle %s: %w", vid, err)
	}
	if !Eligible(v, SelectOptions{}) {
		e.log.Warnf("vehicle %s became unavailable for bin %s; selecting again", vid, binID)
		vehicles, err := e.store.ListVehicles(ctx)
		if err != nil {
			return fmt.Errorf("dispatch: reselect for %s: %w", binID, err)
		}
		e.dispatchLocked(ctx, o, bin, vehicles)
		return nil
	}

	now := e.now()
	wps := route.Waypoints
	start := wps[0]
	p := model.VehiclePatch{
		State:        model.Ptr(model.EnRoute),
		CurrentRoute: &wps,
		RouteIndex:   model.Ptr(0),
		TargetBinID:  &binID,
		AssignedAt:   &now,
		Position:     &start,
		UpdatedAt:    &now,
	}
	updated, err := e.store.UpsertVehicle(ctx, vid, p)
	if err != nil {
		e.pending[binID] = true
		e.pendingChangedLocked(o)
		return fmt.Errorf("dispatch: commit %s -> %s: %w", vid, binID, err)
	}

	o.emit(events.DispatchAssign, events.DispatchAssignedEvent{
		BinID:       binID,
		VehicleID:   vid,
		DistanceKm:  route.DistanceKm,
		DurationMin: route.DurationMin,
		Fallback:    route.Fallback,
		Waypoints:   wps,
	})
	o.emit(events.VehicleState, events.StateEventFor(updated))
	if start != v.Position {
		o.emit(events.VehiclePosition, events.VehiclePositionEvent{VehicleID: vid, Latitude: start.Lat, Longitude: start.Lon})
	}

	dispatchesTotal.WithLabelValues(strconv.FormatBool(route.Fallback)).Inc()
	e.log.Infof("assigned vehicle %s to bin %s (%.2f km, %d waypoints, fallback=%t)", vid, binID, c.DistanceKm, len(wps), route.Fallback)

	ev := metrics.DispatchEvent{
		BinID:        binID,
		VehicleID:    vid,
		DistanceKm:   route.DistanceKm,
		DurationMin:  route.DurationMin,
		Waypoints:    len(wps),
		Fallback:     route.Fallback,
		RouteLatency: latency,
		Reassigned:   reassigned,
		Time:         now,
	}
	sink := e.sink
	o.then(func() {
		if err := sink.RecordDispatch(ev); err != nil {
			e.log.Debugf("record dispatch: %v", err)
		}
	})
	e.appendHistory(o, logging.LogRecord{
		Timestamp:   now,
		Outcome:     logging.OutcomeAssigned,
		BinID:       binID,
		VehicleID:   vid,
		DistanceKm:  route.DistanceKm,
		DurationMin: route.DurationMin,
		Waypoints:   len(wps),
		Fallback:    route.Fallback,
	})
	return nil
}

// MarkBinCleaned is the administrative override. It resets the bin the
// same way an arrival does and releases the vehicle assigned to it.
func (e *Engine) MarkBinCleaned(ctx context.Context, binID string) error {
	return e.run(func(o *outbox) error {
		bin, err := e.getBinLocked(ctx, binID)
		if err != nil {
			return err
		}
		vehicles, err := e.store.ListVehicles(ctx)
		if err != nil {
			return fmt.Errorf("dispatch: manual clean %s: %w", binID, err)
		}
		now := e.now()
		var batch state.Batch
		bp, bev := cleanBin(bin, now)
		batch.Bin(bin.ID, bp)

		var released *model.VehicleState
		if vid := targetedBy(vehicles, binID); vid != "" {
			for _, v := range vehicles {
				if v.ID == vid {
					p := arrivalPatch(v, v.Position, now)
					batch.Vehicle(v.ID, p)
					merged := p.Merge(v)
					released = &merged
				}
			}
		}
		if err := e.store.Apply(ctx, batch); err != nil {
			return fmt.Errorf("dispatch: manual clean %s: %w", binID, err)
		}
		o.emit(events.BinUpdate, bev)
		vid := ""
		if released != nil {
			vid = released.ID
			o.emit(events.VehicleState, cleaningEvent(vid))
			o.emit(events.VehicleState, events.StateEventFor(*released))
		}
		e.cleanedLocked(o, binID, vid, "manual", now)
		return nil
	})
}

// CompleteCleaning lets a driver confirm arrival before the simulated
// vehicle reaches the end of its route.
func (e *Engine) CompleteCleaning(ctx context.Context, vehicleID string) error {
	return e.run(func(o *outbox) error {
		v, err := e.store.GetVehicle(ctx, vehicleID)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownVehicle, vehicleID)
		}
		if err != nil {
			return fmt.Errorf("dispatch: load vehicle %s: %w", vehicleID, err)
		}
		if v.State != model.EnRoute {
			return fmt.Errorf("%w: %s is %s", ErrNotEnRoute, vehicleID, v.State)
		}
		now := e.now()
		var batch state.Batch

		pos := v.Position
		bin, binErr := e.store.GetBin(ctx, v.TargetBinID)
		if binErr == nil {
			pos = bin.Location
		} else if n := len(v.CurrentRoute); n > 0 {
			pos = v.CurrentRoute[n-1]
		}
		p := arrivalPatch(v, pos, now)
		batch.Vehicle(v.ID, p)
		var bev events.BinUpdateEvent
		if binErr == nil {
			var bp model.BinPatch
			bp, bev = cleanBin(bin, now)
			batch.Bin(bin.ID, bp)
		}
		if err := e.store.Apply(ctx, batch); err != nil {
			return fmt.Errorf("dispatch: complete %s: %w", vehicleID, err)
		}
		if pos != v.Position {
			o.emit(events.VehiclePosition, events.VehiclePositionEvent{VehicleID: v.ID, Latitude: pos.Lat, Longitude: pos.Lon})
		}
		o.emit(events.VehicleState, cleaningEvent(v.ID))
		o.emit(events.VehicleState, events.StateEventFor(p.Merge(v)))
		if binErr == nil {
			o.emit(events.BinUpdate, bev)
			e.cleanedLocked(o, bin.ID, v.ID, "driver", now)
		}
		return nil
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
