package metrics

import (
	"errors"
	"io"
)

// MultiSink fans records out to several sinks. Optional recorders are
// forwarded only to sinks that implement them.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDispatch forwards the event to all sinks, returning the first error.
func (m *MultiSink) RecordDispatch(ev DispatchEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordDispatch(ev); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) RecordCleaning(ev CleaningEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(CleaningRecorder); ok {
			if err := rec.RecordCleaning(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MultiSink) RecordTick(ev TickEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(TickRecorder); ok {
			if err := rec.RecordTick(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MultiSink) RecordPosition(ev PositionEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(PositionRecorder); ok {
			if err := rec.RecordPosition(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MultiSink) RecordPending(count int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(PendingRecorder); ok {
			if err := rec.RecordPending(count); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes every sink that holds resources.
func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.Sinks {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
