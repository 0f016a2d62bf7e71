// Package bins exposes bins, sensor ingestion and manual overrides over
// HTTP.
package bins

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tozahudud/patrol/api/respond"
	"github.com/tozahudud/patrol/core/model"
)

// Reader reads bin records.
type Reader interface {
	ListBins(ctx context.Context) ([]model.Bin, error)
	GetBin(ctx context.Context, id string) (model.Bin, error)
}

// Controller is the engine surface that changes bins.
type Controller interface {
	HandleSensor(ctx context.Context, r model.SensorReading) error
	HandleBinStatus(ctx context.Context, binID, status string) error
	MarkBinCleaned(ctx context.Context, binID string) error
}

const maxBody = 1 << 16

// NewListHandler serves GET /api/bins. The optional status parameter
// filters by band.
func NewListHandler(store Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list, err := store.ListBins(r.Context())
		if err != nil {
			respond.Error(w, err)
			return
		}
		if s := r.URL.Query().Get("status"); s != "" {
			filtered := list[:0]
			for _, b := range list {
				if string(b.Status()) == s {
					filtered = append(filtered, b)
				}
			}
			list = filtered
		}
		if list == nil {
			list = []model.Bin{}
		}
		respond.JSON(w, http.StatusOK, list)
	})
}

// NewGetHandler serves GET /api/bins/{id}.
func NewGetHandler(store Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := store.GetBin(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respond.Error(w, err)
			return
		}
		respond.JSON(w, http.StatusOK, b)
	})
}

// NewCleanHandler serves POST /api/bins/{id}/clean.
func NewCleanHandler(c Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.MarkBinCleaned(r.Context(), chi.URLParam(r, "id")); err != nil {
			respond.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// NewStatusHandler serves POST /api/bins/{id}/status with body
// {"status":"FULL"|"EMPTY"}.
func NewStatusHandler(c Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
			respond.BadRequest(w, "invalid body")
			return
		}
		if err := c.HandleBinStatus(r.Context(), chi.URLParam(r, "id"), body.Status); err != nil {
			respond.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// NewSensorHandler serves POST /api/sensors with a sensorData payload.
func NewSensorHandler(c Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BinID     string    `json:"binId"`
			Distance  *float64  `json:"distance"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
			respond.BadRequest(w, "invalid body")
			return
		}
		if body.BinID == "" || body.Distance == nil {
			respond.BadRequest(w, "binId and distance are required")
			return
		}
		ts := body.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		err := c.HandleSensor(r.Context(), model.SensorReading{BinID: body.BinID, DistanceCm: *body.Distance, Timestamp: ts})
		if err != nil {
			respond.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}
