// Command simulator publishes synthetic bin sensor readings, one per bin
// each interval, the way the lid sensors do in the field. Bins fill up
// until the engine reports them cleaned.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tozahudud/patrol/core/roster"
	"github.com/tozahudud/patrol/infra/logger"
)

func main() {
	cfg := parseFlags()
	level := "info"
	if cfg.Verbose {
		level = "debug"
	}
	logger.Configure(logger.Options{Level: level})
	log := logger.New("simulator")

	if err := (&cfg).Validate(); err != nil {
		log.Errorf("invalid config: %v", err)
		os.Exit(2)
	}

	var r roster.Roster
	if cfg.RosterPath != "" {
		var err error
		if r, err = roster.Load(cfg.RosterPath); err != nil {
			log.Errorf("roster: %v", err)
			os.Exit(1)
		}
	}
	fleet := GenerateSensors(r, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cleaned := func(binID string) {
		if fleet.Emptied(binID) {
			log.Infof("bin %s emptied", binID)
		}
	}

	var pub Publisher
	if cfg.HTTP != "" {
		pub = newHTTPPublisher(cfg.HTTP)
		go func() {
			if err := watchWS(ctx, cfg.HTTP, cleaned); err != nil {
				log.Warnf("websocket watch stopped: %v", err)
			}
		}()
	} else {
		cli, err := newMQTTClient(cfg, "bin-sim-"+uuid.NewString()[:8])
		if err != nil {
			log.Errorf("mqtt connect: %v", err)
			os.Exit(1)
		}
		defer cli.Disconnect(250)
		if cfg.EventPrefix != "" {
			if err := watchMQTT(cli, cfg.EventPrefix, cleaned); err != nil {
				log.Warnf("subscribe events: %v", err)
			}
		}
		pub = &mqttPublisher{cli: cli, topic: cfg.SensorTopic}
	}

	log.Infof("simulating %d sensors every %s", fleet.Len(), cfg.Interval)
	run(ctx, fleet, pub, cfg.Interval, log)
}

func run(ctx context.Context, fleet *SensorFleet, pub Publisher, every time.Duration, log logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fleet.Tick(func(s *SimulatedSensor) {
				if err := pub.Publish(ctx, s.Reading(now)); err != nil {
					log.Warnf("publish %s: %v", s.BinID, err)
					return
				}
				log.Debugf("%s distance %.1f cm", s.BinID, s.DistanceCm)
			})
		}
	}
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flag.StringVar(&cfg.SensorTopic, "sensor-topic", "bins/+/sensor", "sensor topic, '+' is the bin id")
	flag.StringVar(&cfg.EventPrefix, "event-prefix", "patrol/events", "topic prefix of mirrored engine events")
	flag.StringVar(&cfg.HTTP, "http", "", "engine base URL; posts readings over HTTP instead of MQTT")
	flag.StringVar(&cfg.RosterPath, "roster", "", "roster file providing bin ids")
	flag.IntVar(&cfg.Bins, "bins", 5, "synthetic bins when no roster is given")
	flag.DurationVar(&cfg.Interval, "interval", 10*time.Second, "reading interval")
	flag.Float64Var(&cfg.FillRate, "fill-rate", 3, "mean distance drop in cm per interval")
	flag.Float64Var(&cfg.Jitter, "jitter", 0.3, "relative fill rate jitter")
	flag.Int64Var(&cfg.Seed, "seed", time.Now().UnixNano(), "random seed")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose logging")
	flag.Parse()
	return cfg
}
