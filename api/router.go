// Package api assembles the HTTP surface of the patrol service.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tozahudud/patrol/api/bins"
	apidispatch "github.com/tozahudud/patrol/api/dispatch"
	"github.com/tozahudud/patrol/api/respond"
	"github.com/tozahudud/patrol/api/vehicles"
	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/dispatch/logging"
	"github.com/tozahudud/patrol/core/logger"
)

// Engine is the dispatch engine surface served over HTTP.
type Engine interface {
	bins.Controller
	vehicles.Completer
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
}

// Store reads vehicles and bins.
type Store interface {
	vehicles.Reader
	bins.Reader
}

// Deps are the collaborators of the router. Engine and Store are
// required; the rest are optional.
type Deps struct {
	Engine  Engine
	Store   Store
	History logging.LogStore
	KPI     vehicles.KPIStore
	// Hub serves /ws when set.
	Hub http.Handler
	// Metrics serves /metrics; nil uses the default Prometheus gatherer.
	Metrics     http.Handler
	CORSOrigins []string
	// Token guards the dispatch history when non-empty.
	Token string
	Log   logger.Logger
}

// NewRouter builds the chi router.
func NewRouter(d Deps) (http.Handler, error) {
	if d.Engine == nil || d.Store == nil {
		return nil, errors.New("api: engine and store are required")
	}
	if d.History == nil {
		d.History = logging.NopStore{}
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	log := logger.OrNop(d.Log)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", d.Metrics)
	if d.Hub != nil {
		r.Method(http.MethodGet, "/ws", d.Hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", func(w http.ResponseWriter, r *http.Request) {
			snap, err := d.Engine.Snapshot(r.Context())
			if err != nil {
				respond.Error(w, err)
				return
			}
			respond.JSON(w, http.StatusOK, snap)
		})

		r.Method(http.MethodPost, "/sensors", bins.NewSensorHandler(d.Engine))
		r.Method(http.MethodGet, "/bins", bins.NewListHandler(d.Store))
		r.Method(http.MethodGet, "/bins/{id}", bins.NewGetHandler(d.Store))
		r.Method(http.MethodPost, "/bins/{id}/clean", bins.NewCleanHandler(d.Engine))
		r.Method(http.MethodPost, "/bins/{id}/status", bins.NewStatusHandler(d.Engine))

		r.Method(http.MethodGet, "/vehicles", vehicles.NewListHandler(d.Store))
		r.Method(http.MethodGet, "/vehicles/{id}", vehicles.NewGetHandler(d.Store))
		r.Method(http.MethodPost, "/vehicles/{id}/complete", vehicles.NewCompleteHandler(d.Engine))
		if d.KPI != nil {
			r.Method(http.MethodGet, "/vehicles/{id}/kpis", vehicles.NewKPIHandler(d.KPI))
		}

		r.Method(http.MethodGet, "/dispatches", apidispatch.NewLogHandler(d.History, d.Token))
	})
	return r, nil
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("http request", map[string]any{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": chimiddleware.GetReqID(r.Context()),
			})
		})
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log logger.Logger) error {
	log = logger.OrNop(log)
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("http listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
