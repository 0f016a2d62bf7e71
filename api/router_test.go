package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/model"
	"github.com/tozahudud/patrol/core/roster"
	"github.com/tozahudud/patrol/core/routing"
	"github.com/tozahudud/patrol/core/state"
)

func newServer(t *testing.T) (*httptest.Server, *dispatch.Engine, state.Store) {
	t.Helper()
	store := state.NewMemoryStore()
	e, err := dispatch.NewEngine(dispatch.Config{}, store, routing.Straight{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Seed(context.Background(), roster.Roster{
		Bins: []roster.BinSpec{{ID: "B1", Name: "Registon", Location: geo.Coordinate{Lat: 39.6547, Lon: 66.9758}}},
		Vehicles: []roster.VehicleSpec{{
			ID:    "V1",
			Start: &geo.Coordinate{Lat: 39.6500, Lon: 66.9700},
		}},
	})
	require.NoError(t, err)

	h, err := NewRouter(Deps{Engine: e, Store: store, CORSOrigins: []string{"http://ui.local"}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, e, store
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRouterSensorDispatchAndClean(t *testing.T) {
	srv, e, store := newServer(t)

	resp := post(t, srv.URL+"/api/sensors", `{"binId":"B1","distance":10}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	e.WaitIdle()

	var v model.VehicleState
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/vehicles/V1", &v))
	assert.Equal(t, model.EnRoute, v.State)
	assert.Equal(t, "B1", v.TargetBinID)

	var enroute []model.VehicleState
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/vehicles?state=enroute", &enroute))
	assert.Len(t, enroute, 1)

	resp = post(t, srv.URL+"/api/bins/B1/clean", ``)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	b, err := store.GetBin(context.Background(), "B1")
	require.NoError(t, err)
	assert.Equal(t, model.EmptyFillLevel, b.FillLevel)
	v, err = store.GetVehicle(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, model.Patrolling, v.State)
	assert.Equal(t, 1, v.CleanedCount)

	var snap dispatch.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/snapshot", &snap))
	assert.NotZero(t, snap.Seq)
	assert.Len(t, snap.Bins, 1)
}

func TestRouterErrors(t *testing.T) {
	srv, _, _ := newServer(t)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/vehicles/V9", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/bins/B9", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/vehicles?state=flying", nil))

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/api/sensors", `{"binId":"B1"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv.URL+"/api/sensors", `{"binId":"B9","distance":50}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/api/bins/B1/status", `{"status":"HALF"}`).StatusCode)
	assert.Equal(t, http.StatusConflict, post(t, srv.URL+"/api/vehicles/V1/complete", ``).StatusCode)
	// kpi routes are only mounted with a store
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/vehicles/V1/kpis", nil))
}

func TestRouterHealthAndCORS(t *testing.T) {
	srv, _, _ := newServer(t)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/metrics", nil))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/bins", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://ui.local", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNewRouterRequiresDeps(t *testing.T) {
	if _, err := NewRouter(Deps{}); err == nil {
		t.Fatalf("expected error")
	}
}
