package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tozahudud/patrol/config"
	coremon "github.com/tozahudud/patrol/core/monitoring"
)

// NewSentryMonitor initializes the Sentry client. An empty DSN yields the
// no-op monitor. Every event carries an "engine" tag so reports from a
// stray second engine instance are easy to spot.
func NewSentryMonitor(cfg config.SentryConfig) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		TracesSampleRate: cfg.TracesSampleRate,
		BeforeSend:       dropShutdown,
	})
	if err != nil {
		return nil, err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("engine", "patrol")
	})
	return sentryMonitor{hub: sentry.CurrentHub()}, nil
}

// dropShutdown discards events caused by context cancellation, which
// every in-flight publish reports on a normal stop.
func dropShutdown(ev *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if hint != nil {
		if err, ok := hint.OriginalException.(error); ok && errors.Is(err, context.Canceled) {
			return nil
		}
	}
	return ev
}

type sentryMonitor struct {
	hub *sentry.Hub
}

func (m sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	m.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		m.hub.CaptureException(err)
	})
}

func (m sentryMonitor) CapturePanic(v any) { m.hub.Recover(v) }

func (m sentryMonitor) Flush(timeout time.Duration) { m.hub.Flush(timeout) }
