// Package mqtt declares the broker-facing ports of the engine: sensor
// readings come in, committed envelopes go out.
package mqtt

import (
	"errors"

	"github.com/tozahudud/patrol/core/events"
	"github.com/tozahudud/patrol/core/model"
)

// ErrPublishFailed is returned when every publish attempt failed.
var ErrPublishFailed = errors.New("mqtt: publish failed")

// ReadingSource delivers sensor readings decoded from the broker.
type ReadingSource interface {
	Readings() <-chan model.SensorReading
}

// EventPublisher mirrors committed envelopes to the broker.
type EventPublisher interface {
	PublishEnvelope(env events.Envelope) error
}

// ReadingPublisher sends a reading the way a bin sensor would.
type ReadingPublisher interface {
	PublishReading(r model.SensorReading) error
}
