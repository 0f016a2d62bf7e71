// Package routing implements routing.Provider against an OSRM server.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/core/logger"
	"github.com/tozahudud/patrol/core/routing"
)

// DefaultBaseURL is the public OSRM demo server.
const DefaultBaseURL = "https://router.project-osrm.org"

// Config configures the OSRM client.
type Config struct {
	BaseURL string        `json:"base_url"`
	Profile string        `json:"profile"`
	Timeout time.Duration `json:"timeout"`
	// Bounds clamps request coordinates. Zero disables clamping.
	Bounds geo.Bounds `json:"bounds"`
}

// OSRMProvider queries the OSRM route service. A single failed attempt
// yields the fallback route; there are no retries.
type OSRMProvider struct {
	baseURL string
	profile string
	bounds  geo.Bounds
	client  *http.Client
	log     logger.Logger
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// NewOSRMProvider builds a provider. A nil client gets one with cfg.Timeout.
func NewOSRMProvider(cfg Config, client *http.Client, log logger.Logger) *OSRMProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Profile == "" {
		cfg.Profile = "driving"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OSRMProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		profile: cfg.Profile,
		bounds:  cfg.Bounds,
		client:  client,
		log:     logger.OrNop(log),
	}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// ComputeRoute implements routing.Provider.
func (p *OSRMProvider) ComputeRoute(ctx context.Context, from, to geo.Coordinate) routing.Route {
	route, err := p.fetch(ctx, from, to)
	if err != nil {
		p.log.Warnf("osrm route %s -> %s failed, using straight line: %v", from, to, err)
		return routing.Fallback(from, to)
	}
	return route
}

func (p *OSRMProvider) url(from, to geo.Coordinate) string {
	a := p.bounds.Clamp(from)
	b := p.bounds.Clamp(to)
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&continue_straight=true",
		p.baseURL, p.profile, a.Lon, a.Lat, b.Lon, b.Lat)
}

func (p *OSRMProvider) fetch(ctx context.Context, from, to geo.Coordinate) (routing.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(from, to), nil)
	if err != nil {
		return routing.Route{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return routing.Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return routing.Route{}, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var body osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return routing.Route{}, fmt.Errorf("decode response: %w", err)
	}
	if body.Code != "Ok" {
		return routing.Route{}, fmt.Errorf("osrm code %q: %s", body.Code, body.Message)
	}
	if len(body.Routes) == 0 {
		return routing.Route{}, errors.New("no routes")
	}
	r := body.Routes[0]
	if len(r.Geometry.Coordinates) == 0 {
		return routing.Route{}, errors.New("empty geometry")
	}

	wps := make([]geo.Coordinate, 0, len(r.Geometry.Coordinates))
	for i, pair := range r.Geometry.Coordinates {
		if len(pair) < 2 {
			return routing.Route{}, fmt.Errorf("coordinate %d has %d values", i, len(pair))
		}
		// GeoJSON order is [lon, lat]
		wps = append(wps, geo.Coordinate{Lat: pair[1], Lon: pair[0]})
	}
	dur := r.Duration / 60
	return routing.Route{
		Waypoints:   wps,
		DistanceKm:  r.Distance / 1000,
		DurationMin: &dur,
	}, nil
}
