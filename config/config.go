// Package config loads the service configuration from a file and PATROL_
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tozahudud/patrol/core/dispatch"
	"github.com/tozahudud/patrol/infra/mqtt"
	"github.com/tozahudud/patrol/infra/relay"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nested keys: PATROL_ENGINE__TICK_INTERVAL=2s.
const EnvPrefix = "PATROL_"

type Config struct {
	Engine     dispatch.Config `json:"engine"`
	Routing    RoutingConfig   `json:"routing"`
	Store      StoreConfig     `json:"store"`
	History    HistoryConfig   `json:"history"`
	MQTT       mqtt.Config     `json:"mqtt"`
	Server     ServerConfig    `json:"server"`
	Redis      relay.Config    `json:"redis"`
	Metrics    MetricsConfig   `json:"metrics"`
	Logging    LoggingConfig   `json:"logging"`
	Sentry     SentryConfig    `json:"sentry"`
	RosterPath string          `json:"roster_path"`
}

// Load reads path, applies environment overrides, fills defaults and
// validates. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Engine.SetDefaults()
	c.Routing.SetDefaults()
	c.Store.SetDefaults()
	c.History.SetDefaults()
	if c.MQTT.Broker != "" {
		c.MQTT.SetDefaults()
	}
	c.Server.SetDefaults()
	c.Redis.SetDefaults()
	c.Logging.SetDefaults()
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = os.Getenv("APP_ENV")
	}
	if c.RosterPath == "" {
		c.RosterPath = "roster.yaml"
	}
}

// Validate checks every section. MQTT is only checked when a broker is
// configured.
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	for _, v := range []interface{ Validate() error }{c.Routing, c.Store, c.History, c.Server, c.Metrics, c.Logging, c.Sentry} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.MQTT.Broker != "" {
		if err := c.MQTT.Validate(); err != nil {
			return err
		}
	}
	return nil
}
