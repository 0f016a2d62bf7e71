package vehicles

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tozahudud/patrol/api/respond"
	"github.com/tozahudud/patrol/infra/kpi"
)

// KPIStore queries daily vehicle totals.
type KPIStore interface {
	Query(vehicleID string, start, end time.Time) ([]kpi.Record, error)
}

// NewKPIHandler exposes daily KPIs via GET /api/vehicles/{id}/kpis. Start
// defaults to seven days before end, end to now.
func NewKPIHandler(store KPIStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		end := time.Now()
		if s := r.URL.Query().Get("end"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				respond.BadRequest(w, "invalid end")
				return
			}
			end = t
		}
		start := end.AddDate(0, 0, -7)
		if s := r.URL.Query().Get("start"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				respond.BadRequest(w, "invalid start")
				return
			}
			start = t
		}
		recs, err := store.Query(chi.URLParam(r, "id"), start, end)
		if err != nil {
			respond.Error(w, err)
			return
		}
		type out struct {
			Date       string  `json:"date"`
			Dispatches int     `json:"dispatches"`
			Cleanings  int     `json:"cleanings"`
			DistanceKm float64 `json:"distance_km"`
		}
		res := make([]out, len(recs))
		for i, rec := range recs {
			res[i] = out{
				Date:       rec.Date.Format("2006-01-02"),
				Dispatches: rec.Dispatches,
				Cleanings:  rec.Cleanings,
				DistanceKm: rec.DistanceKm,
			}
		}
		respond.JSON(w, http.StatusOK, res)
	})
}
