// Package roster describes the bins and vehicles the engine starts with.
package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tozahudud/patrol/core/geo"
)

// BinSpec is one bin to seed.
type BinSpec struct {
	ID       string         `json:"id" yaml:"id"`
	Name     string         `json:"name" yaml:"name"`
	Address  string         `json:"address" yaml:"address"`
	Location geo.Coordinate `json:"location" yaml:"location"`
	// FillLevel is only used when the bin is created.
	FillLevel *int `json:"fill_level,omitempty" yaml:"fill_level,omitempty"`
}

// VehicleSpec is one vehicle to seed. Patrol lists the loop's key points;
// the engine expands them into a road-following loop.
type VehicleSpec struct {
	ID       string           `json:"id" yaml:"id"`
	DriverID string           `json:"driver_id" yaml:"driver_id"`
	Start    *geo.Coordinate  `json:"start,omitempty" yaml:"start,omitempty"`
	Patrol   []geo.Coordinate `json:"patrol" yaml:"patrol"`
}

// Roster is the seed file.
type Roster struct {
	Bins     []BinSpec     `json:"bins" yaml:"bins"`
	Vehicles []VehicleSpec `json:"vehicles" yaml:"vehicles"`
}

// Load reads a roster from a JSON or YAML file.
func Load(path string) (Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		return Roster{}, err
	}
	defer f.Close()
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	r, err := Decode(f, ext)
	if err != nil {
		return Roster{}, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

// Decode reads a roster in the given format ("yaml", "yml" or "json") and
// validates it.
func Decode(r io.Reader, format string) (Roster, error) {
	var out Roster
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.NewDecoder(r).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
			return Roster{}, err
		}
	case "json":
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			return Roster{}, err
		}
	default:
		return Roster{}, fmt.Errorf("unsupported format: %s", format)
	}
	return out, out.Validate()
}

// Validate checks ids are present and unique.
func (r Roster) Validate() error {
	bins := map[string]bool{}
	for i, b := range r.Bins {
		if b.ID == "" {
			return fmt.Errorf("bins[%d]: id is required", i)
		}
		if bins[b.ID] {
			return fmt.Errorf("bins[%d]: duplicate id %q", i, b.ID)
		}
		bins[b.ID] = true
	}
	vehicles := map[string]bool{}
	for i, v := range r.Vehicles {
		if v.ID == "" {
			return fmt.Errorf("vehicles[%d]: id is required", i)
		}
		if vehicles[v.ID] {
			return fmt.Errorf("vehicles[%d]: duplicate id %q", i, v.ID)
		}
		if v.Start == nil && len(v.Patrol) == 0 {
			return fmt.Errorf("vehicles[%d]: start or patrol is required", i)
		}
		vehicles[v.ID] = true
	}
	return nil
}

// StartOf returns where the vehicle is placed when it is created.
func (v VehicleSpec) StartOf() geo.Coordinate {
	if v.Start != nil {
		return *v.Start
	}
	return v.Patrol[0]
}
