// Package dispatch exposes the dispatch history over HTTP.
package dispatch

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tozahudud/patrol/core/dispatch/logging"
)

// NewLogHandler returns an HTTP handler exposing dispatch history via
// GET /api/dispatches. Requests must include an Authorization header with
// "Bearer <token>" when token is non-empty.
func NewLogHandler(store logging.LogStore, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		params := r.URL.Query()
		q := logging.LogQuery{
			VehicleID: params.Get("vehicle_id"),
			BinID:     params.Get("bin_id"),
		}
		if s := params.Get("start"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.Start = t
			}
		}
		if s := params.Get("end"); s != "" {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				q.End = t
			}
		}
		if o := params.Get("outcome"); o != "" {
			out, ok := outcomeFromString(o)
			if !ok {
				http.Error(w, "unknown outcome", http.StatusBadRequest)
				return
			}
			q.Outcome = out
		}
		if s := params.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			q.Limit = n
		}
		records, err := store.Query(r.Context(), q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []logging.LogRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

func outcomeFromString(s string) (logging.Outcome, bool) {
	switch o := logging.Outcome(s); o {
	case logging.OutcomeAssigned, logging.OutcomeCleaned, logging.OutcomeManual,
		logging.OutcomeTimeout, logging.OutcomePending:
		return o, true
	default:
		return "", false
	}
}
