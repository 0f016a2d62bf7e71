// Package app wires the engine, its stores and its transports into the
// patrol service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tozahudud/patrol/api"
	"github.com/tozahudud/patrol/config"
	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/dispatch/logging"
	"github.com/tozahudud/patrol/core/events"
	coremetrics "github.com/tozahudud/patrol/core/metrics"
	"github.com/tozahudud/patrol/core/model"
	coremon "github.com/tozahudud/patrol/core/monitoring"
	"github.com/tozahudud/patrol/core/roster"
	"github.com/tozahudud/patrol/core/routing"
	"github.com/tozahudud/patrol/core/state"
	"github.com/tozahudud/patrol/infra/broadcast"
	"github.com/tozahudud/patrol/infra/kpi"
	"github.com/tozahudud/patrol/infra/logger"
	"github.com/tozahudud/patrol/infra/metrics"
	"github.com/tozahudud/patrol/infra/monitoring"
	"github.com/tozahudud/patrol/infra/mqtt"
	"github.com/tozahudud/patrol/infra/relay"
	infrarouting "github.com/tozahudud/patrol/infra/routing"
	"github.com/tozahudud/patrol/infra/store"
)

// Service runs the authoritative engine and its HTTP, WebSocket, MQTT and
// Redis surfaces.
type Service struct {
	cfg     *config.Config
	Engine  *dispatch.Engine
	store   state.Store
	history logging.LogStore
	sink    coremetrics.MetricsSink
	mqtt    *mqtt.PahoClient
	relay   *relay.RedisRelay
	hub     *broadcast.Hub
	deps    api.Deps
	log     logger.Logger
}

// OpenStore opens the configured vehicle and bin store.
func OpenStore(cfg config.StoreConfig) (state.Store, error) {
	switch cfg.Backend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %s", cfg.Backend)
	}
}

// NewProvider builds the configured route provider.
func NewProvider(cfg config.RoutingConfig, log logger.Logger) routing.Provider {
	if cfg.Provider == "straight" {
		return routing.Straight{}
	}
	return infrarouting.NewOSRMProvider(cfg.OSRM, nil, log)
}

// ConfigureLogging applies the logging section process-wide.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.Configure(logger.Options{Level: cfg.Level, Format: cfg.Format})
}

// New creates a Service from the configuration. Partially built resources
// are released on error.
func New(cfg *config.Config) (svc *Service, err error) {
	ConfigureLogging(cfg.Logging)
	log := logger.New("service")

	if cfg.Sentry.DSN != "" {
		mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		coremon.Init(mon)
	}

	s := &Service{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.store, err = OpenStore(cfg.Store); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s.Engine, err = dispatch.NewEngine(cfg.Engine, s.store, NewProvider(cfg.Routing, logger.New("routing")), logger.New("dispatch"))
	if err != nil {
		return nil, err
	}
	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	s.Engine.SetMetricsSink(s.sink)
	if s.history, err = logging.New(cfg.History.Backend, cfg.History.Path); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	s.Engine.SetLogStore(s.history)

	if cfg.MQTT.Broker != "" {
		if s.mqtt, err = mqtt.NewPahoClient(cfg.MQTT, logger.New("mqtt")); err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
	}
	if cfg.Redis.Enabled() {
		if s.relay, err = relay.NewRedisRelay(cfg.Redis, logger.New("relay")); err != nil {
			return nil, err
		}
	}
	if s.hub, err = broadcast.NewHub(s.Engine, logger.New("ws"), cfg.Server.CORSOrigins...); err != nil {
		return nil, err
	}

	s.deps = api.Deps{
		Engine:      s.Engine,
		Store:       s.store,
		History:     s.history,
		Hub:         s.hub,
		Metrics:     metrics.Handler(nil),
		CORSOrigins: cfg.Server.CORSOrigins,
		Token:       cfg.Server.Token,
		Log:         logger.New("http"),
	}
	if k := FindKPI(s.sink); k != nil {
		s.deps.KPI = k
	}
	return s, nil
}

// FindKPI returns the KPI store among the configured sinks, if any.
func FindKPI(sink coremetrics.MetricsSink) *kpi.SQLiteStore {
	switch s := sink.(type) {
	case *kpi.SQLiteStore:
		return s
	case *coremetrics.MultiSink:
		for _, inner := range s.Sinks {
			if k := FindKPI(inner); k != nil {
				return k
			}
		}
	}
	return nil
}

// SeedRoster loads the roster file into the store. A missing file is not
// an error; the store keeps whatever it already holds.
func (s *Service) SeedRoster(ctx context.Context) error {
	path := s.cfg.RosterPath
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s.log.Warnf("roster %s not found, starting with stored fleet", path)
		return nil
	}
	r, err := roster.Load(path)
	if err != nil {
		return err
	}
	_, err = s.Engine.Seed(ctx, r)
	return err
}

// Router builds the HTTP handler of the service.
func (s *Service) Router() (http.Handler, error) { return api.NewRouter(s.deps) }

// Run seeds the roster and blocks until ctx is done or a component fails.
func (s *Service) Run(ctx context.Context) error {
	defer coremon.Recover()
	if err := s.SeedRoster(ctx); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	router, err := s.Router()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	var readings <-chan model.SensorReading
	if s.mqtt != nil {
		readings = s.mqtt.Readings()
		sub := s.Engine.Subscribe()
		g.Go(func() error {
			s.mqtt.Mirror(ctx, sub)
			return nil
		})
	}
	g.Go(func() error { return s.Engine.Run(ctx, readings) })
	g.Go(func() error { return s.hub.Run(ctx) })

	if s.relay != nil {
		snap, sub, err := s.Engine.SubscribeWithSnapshot(ctx)
		if err != nil {
			return err
		}
		g.Go(func() error {
			env, err := SnapshotEnvelope(snap)
			if err == nil {
				err = s.relay.Publish(ctx, env)
			}
			if err != nil {
				s.log.Warnf("relay snapshot: %v", err)
			}
			return s.relay.Forward(ctx, sub)
		})
	}
	if addr := s.cfg.Metrics.PromAddr; addr != "" {
		g.Go(func() error { return metrics.StartPromServer(ctx, addr) })
	}
	g.Go(func() error { return api.Serve(ctx, s.cfg.Server.Addr, router, logger.New("http")) })

	s.log.Infof("patrol service started")
	return g.Wait()
}

// SnapshotEnvelope wraps snap in a snapshot envelope.
func SnapshotEnvelope(snap dispatch.Snapshot) (events.Envelope, error) {
	return events.New(events.Snapshot, snap.Seq, events.SnapshotEvent{Vehicles: snap.Vehicles, Bins: snap.Bins})
}

// Close releases every resource. It is safe on a partially built service.
func (s *Service) Close() error {
	var errs []error
	if s.Engine != nil {
		errs = append(errs, s.Engine.Close())
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	if c, ok := s.sink.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}
