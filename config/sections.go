package config

import (
	"fmt"
	"strings"

	"github.com/tozahudud/patrol/core/factory"
	"github.com/tozahudud/patrol/core/geo"
	"github.com/tozahudud/patrol/infra/routing"
)

// RoutingConfig selects the route provider.
type RoutingConfig struct {
	// Provider is "osrm" or "straight".
	Provider string         `json:"provider"`
	OSRM     routing.Config `json:"osrm"`
}

func (c *RoutingConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "osrm"
	}
	if c.OSRM.BaseURL == "" {
		c.OSRM.BaseURL = routing.DefaultBaseURL
	}
	if c.OSRM.Bounds == (geo.Bounds{}) {
		c.OSRM.Bounds = geo.Samarqand
	}
}

func (c RoutingConfig) Validate() error {
	switch c.Provider {
	case "osrm":
		if !strings.HasPrefix(c.OSRM.BaseURL, "http://") && !strings.HasPrefix(c.OSRM.BaseURL, "https://") {
			return fmt.Errorf("routing: invalid base_url %q", c.OSRM.BaseURL)
		}
	case "straight":
	default:
		return fmt.Errorf("routing: unknown provider %s", c.Provider)
	}
	b := c.OSRM.Bounds
	if b.North < b.South || b.East < b.West {
		return fmt.Errorf("routing: invalid bounds %+v", b)
	}
	return nil
}

// StoreConfig selects the vehicle and bin store.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "patrol.db"
	}
}

func (c StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("store: path is required")
		}
		return nil
	default:
		return fmt.Errorf("store: unknown backend %s", c.Backend)
	}
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"cors_origins"`
	// Token guards the dispatch history endpoint.
	Token string `json:"token"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

func (c ServerConfig) Validate() error {
	if !strings.Contains(c.Addr, ":") {
		return fmt.Errorf("server: addr must be host:port, got %q", c.Addr)
	}
	return nil
}

// MetricsConfig lists the metrics sinks and the optional standalone
// Prometheus listener.
type MetricsConfig struct {
	Sinks []factory.ModuleConfig `json:"sinks"`
	// PromAddr serves /metrics on a dedicated port when set. The API
	// router always serves /metrics as well.
	PromAddr string `json:"prom_addr"`
}

func (c MetricsConfig) Validate() error {
	for i, s := range c.Sinks {
		if s.Type == "" {
			return fmt.Errorf("metrics: sink %d has no type", i)
		}
	}
	return nil
}
