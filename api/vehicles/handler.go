// Package vehicles exposes vehicle records over HTTP.
package vehicles

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tozahudud/patrol/api/respond"
	"github.com/tozahudud/patrol/core/model"
)

// Reader reads vehicle records.
type Reader interface {
	ListVehicles(ctx context.Context) ([]model.VehicleState, error)
	GetVehicle(ctx context.Context, id string) (model.VehicleState, error)
}

// Completer finishes a driver's cleaning.
type Completer interface {
	CompleteCleaning(ctx context.Context, vehicleID string) error
}

// NewListHandler serves GET /api/vehicles. The optional state query
// parameter filters by state.
func NewListHandler(store Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list, err := store.ListVehicles(r.Context())
		if err != nil {
			respond.Error(w, err)
			return
		}
		if s := r.URL.Query().Get("state"); s != "" {
			st := model.State(s)
			if !st.Valid() {
				respond.BadRequest(w, "unknown state "+s)
				return
			}
			filtered := list[:0]
			for _, v := range list {
				if v.State == st {
					filtered = append(filtered, v)
				}
			}
			list = filtered
		}
		if list == nil {
			list = []model.VehicleState{}
		}
		respond.JSON(w, http.StatusOK, list)
	})
}

// NewGetHandler serves GET /api/vehicles/{id}.
func NewGetHandler(store Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := store.GetVehicle(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			respond.Error(w, err)
			return
		}
		respond.JSON(w, http.StatusOK, v)
	})
}

// NewCompleteHandler serves POST /api/vehicles/{id}/complete, used by a
// driver to report the cleaning done before the simulated arrival.
func NewCompleteHandler(c Completer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.CompleteCleaning(r.Context(), chi.URLParam(r, "id")); err != nil {
			respond.Error(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
