package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tozahudud/patrol/core/geo"
)

var (
	from = geo.Coordinate{Lat: 39.66, Lon: 66.95}
	to   = geo.Coordinate{Lat: 39.65, Lon: 66.96}
)

func newProvider(t *testing.T, h http.HandlerFunc, timeout time.Duration) *OSRMProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOSRMProvider(Config{BaseURL: srv.URL, Timeout: timeout}, nil, nil)
}

func assertFallback(t *testing.T, p *OSRMProvider) {
	t.Helper()
	r := p.ComputeRoute(context.Background(), from, to)
	require.Len(t, r.Waypoints, 2)
	assert.Equal(t, from, r.Waypoints[0])
	assert.Equal(t, to, r.Waypoints[1])
	assert.True(t, r.Fallback)
	assert.Nil(t, r.DurationMin)
	assert.InDelta(t, geo.DistanceKm(from, to), r.DistanceKm, 1e-12)
}

func TestComputeRouteSuccess(t *testing.T) {
	var gotPath, gotQuery string
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1500,"duration":180,
			"geometry":{"coordinates":[[66.95,39.66],[66.955,39.655],[66.96,39.65]]}}]}`))
	}, time.Second)

	r := p.ComputeRoute(context.Background(), from, to)
	assert.Equal(t, "/route/v1/driving/66.950000,39.660000;66.960000,39.650000", gotPath)
	assert.Contains(t, gotQuery, "overview=full")
	assert.Contains(t, gotQuery, "geometries=geojson")
	assert.False(t, r.Fallback)
	require.Len(t, r.Waypoints, 3)
	assert.Equal(t, geo.Coordinate{Lat: 39.655, Lon: 66.955}, r.Waypoints[1])
	assert.InDelta(t, 1.5, r.DistanceKm, 1e-9)
	require.NotNil(t, r.DurationMin)
	assert.InDelta(t, 3.0, *r.DurationMin, 1e-9)
}

func TestComputeRouteTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)
	assertFallback(t, p)
}

func TestComputeRouteNon2xxFallsBack(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}, time.Second)
	assertFallback(t, p)
}

func TestComputeRouteMalformedFallsBack(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[`))
	}, time.Second)
	assertFallback(t, p)
}

func TestComputeRouteProviderCodeFallsBack(t *testing.T) {
	for _, body := range []string{
		`{"code":"NoRoute","message":"Impossible route"}`,
		`{"code":"Ok","routes":[]}`,
		`{"code":"Ok","routes":[{"distance":1,"duration":1,"geometry":{"coordinates":[]}}]}`,
		`{"code":"Ok","routes":[{"distance":1,"duration":1,"geometry":{"coordinates":[[66.9]]}}]}`,
	} {
		body := body
		p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}, time.Second)
		assertFallback(t, p)
	}
}

func TestComputeRouteUnreachableFallsBack(t *testing.T) {
	p := NewOSRMProvider(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil, nil)
	assertFallback(t, p)
}

func TestComputeRouteClampsToBounds(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()
	p := NewOSRMProvider(Config{BaseURL: srv.URL + "/", Bounds: geo.Samarqand}, nil, nil)

	far := geo.Coordinate{Lat: 41.3, Lon: 69.2}
	r := p.ComputeRoute(context.Background(), from, far)
	assert.True(t, strings.HasSuffix(gotPath, ";67.000000,39.700000"), gotPath)
	// the fallback keeps the caller's endpoints, not the clamped ones
	assert.Equal(t, far, r.Waypoints[1])
}
