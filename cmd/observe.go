package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tozahudud/patrol/app"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/infra/logger"
	"github.com/tozahudud/patrol/infra/relay"
)

var (
	observeAPI   string
	observeEvery time.Duration
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Follow a running service through the Redis relay",
	RunE:  runObserve,
}

func init() {
	observeCmd.Flags().StringVar(&observeAPI, "api", "http://localhost:8080", "base URL used to fetch snapshots")
	observeCmd.Flags().DurationVar(&observeEvery, "every", 5*time.Second, "summary interval")
	rootCmd.AddCommand(observeCmd)
}

func runObserve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled() {
		return errors.New("observe needs redis.addr")
	}
	log := logger.New("observer")
	rl, err := relay.NewRedisRelay(cfg.Redis, log)
	if err != nil {
		return err
	}
	defer func() { _ = rl.Close() }()

	sub, err := rl.Subscribe(ctx)
	if err != nil {
		return err
	}
	obs, err := app.NewObserver(app.HTTPSnapshot(observeAPI, nil), log)
	if err != nil {
		return err
	}
	if err := obs.Resync(ctx); err != nil {
		log.Warnf("initial snapshot: %v", err)
	}

	go func() {
		t := time.NewTicker(observeEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s := obs.Summary()
				fmt.Fprintf(cmd.OutOrStdout(), "seq=%d patrolling=%d enroute=%d bins=%d full=%d\n",
					s.Seq, s.Vehicles[model.Patrolling], s.Vehicles[model.EnRoute], s.Bins, s.FullBins)
			}
		}
	}()
	return obs.Run(ctx, sub)
}
