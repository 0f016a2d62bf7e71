package model

import (
	"encoding/json"
	"time"

	"github.com/tozahudud/patrol/core/geo"
)

// BinStatus is the display band derived from a bin's fill level.
type BinStatus string

const (
	BinEmpty   BinStatus = "empty"
	BinHalf    BinStatus = "half"
	BinWarning BinStatus = "warning"
	BinFull    BinStatus = "full"
)

// Fill levels used by the binary full/baseline model.
const (
	FullFillLevel  = 95
	EmptyFillLevel = 15
)

// StatusFor maps a fill level to its band.
func StatusFor(fill int) BinStatus {
	switch fill = ClampFill(fill); {
	case fill >= 90:
		return BinFull
	case fill >= 70:
		return BinWarning
	case fill >= 30:
		return BinHalf
	default:
		return BinEmpty
	}
}

// ClampFill forces a fill level into [0,100].
func ClampFill(fill int) int {
	if fill < 0 {
		return 0
	}
	if fill > 100 {
		return 100
	}
	return fill
}

// Bin is a monitored waste container.
type Bin struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	Address        string         `json:"address,omitempty"`
	Location       geo.Coordinate `json:"location"`
	FillLevel      int            `json:"fillLevel"`
	LastDistanceCm *float64       `json:"lastDistanceCm,omitempty"`
	LastCleanedAt  *time.Time     `json:"lastCleanedAt,omitempty"`
	CleanedCount   int            `json:"cleanedCount"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Status derives the band from the fill level.
func (b Bin) Status() BinStatus { return StatusFor(b.FillLevel) }

// IsFull reports whether the bin is in the full band.
func (b Bin) IsFull() bool { return b.Status() == BinFull }

// MarshalJSON adds the derived status to the encoded bin.
func (b Bin) MarshalJSON() ([]byte, error) {
	type plain Bin
	return json.Marshal(struct {
		plain
		Status BinStatus `json:"status"`
	}{plain(b), b.Status()})
}

// BinPatch carries a partial bin update. Nil fields are left unchanged.
type BinPatch struct {
	Name           *string
	Address        *string
	Location       *geo.Coordinate
	FillLevel      *int
	LastDistanceCm *float64
	LastCleanedAt  *time.Time
	CleanedCount   *int
	UpdatedAt      *time.Time
}

// Merge applies the supplied fields of p onto b.
func (p BinPatch) Merge(b Bin) Bin {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.Address != nil {
		b.Address = *p.Address
	}
	if p.Location != nil {
		b.Location = *p.Location
	}
	if p.FillLevel != nil {
		b.FillLevel = ClampFill(*p.FillLevel)
	}
	if p.LastDistanceCm != nil {
		d := *p.LastDistanceCm
		b.LastDistanceCm = &d
	}
	if p.LastCleanedAt != nil {
		ts := *p.LastCleanedAt
		b.LastCleanedAt = &ts
	}
	if p.CleanedCount != nil {
		b.CleanedCount = *p.CleanedCount
	}
	if p.UpdatedAt != nil {
		b.UpdatedAt = *p.UpdatedAt
	}
	b.FillLevel = ClampFill(b.FillLevel)
	return b
}
