package metrics

import "time"

// Dispatch outcomes.
const (
	// OutcomeDelivered means the handler ran and returned without error.
	OutcomeDelivered = "delivered"
	// OutcomeFailed means the handler returned an error or panicked.
	OutcomeFailed = "failed"
	// OutcomeDropped means the handle was gone or no handler was set.
	OutcomeDropped = "dropped"
	// OutcomeFiltered means a log line fell outside the level mask.
	OutcomeFiltered = "filtered"
)

// DispatchEvent describes one engine event handed to the dispatch bridge.
type DispatchEvent struct {
	ClientID string
	Kind     string
	Outcome  string
	Time     time.Time
}

// MetricsSink records dispatch outcomes for observability purposes.
type MetricsSink interface {
	RecordDispatch(ev DispatchEvent) error
}

// PollEvent describes one pass of the event loop driver.
type PollEvent struct {
	ClientID string
	// Ready is the readiness reported by the waiter ("none", "read", ...).
	Ready string
	OK    bool
	// Status is the translated status message.
	Status      string
	Maintenance bool
	Duration    time.Duration
	Time        time.Time
}

// PollRecorder can record event loop passes.
type PollRecorder interface {
	RecordPoll(ev PollEvent) error
}

// NopSink implements MetricsSink and PollRecorder without side effects.
type NopSink struct{}

func (NopSink) RecordDispatch(DispatchEvent) error { return nil }
func (NopSink) RecordPoll(PollEvent) error         { return nil }

// MultiSink fans events out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDispatch forwards the event to all sinks and returns the first error
// after every sink has been called.
func (m *MultiSink) RecordDispatch(ev DispatchEvent) error {
	var first error
	for _, s := range m.Sinks {
		if err := s.RecordDispatch(ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RecordPoll forwards poll events to the sinks that support them.
func (m *MultiSink) RecordPoll(ev PollEvent) error {
	var first error
	for _, s := range m.Sinks {
		if rec, ok := s.(PollRecorder); ok {
			if err := rec.RecordPoll(ev); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
