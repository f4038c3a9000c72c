package metrics

import (
	"errors"
	"testing"
)

type recordSink struct {
	dispatches int
	polls      int
	err        error
}

func (r *recordSink) RecordDispatch(DispatchEvent) error {
	r.dispatches++
	return r.err
}

func (r *recordSink) RecordPoll(PollEvent) error {
	r.polls++
	return r.err
}

type dispatchOnly struct{ count int }

func (d *dispatchOnly) RecordDispatch(DispatchEvent) error {
	d.count++
	return nil
}

// TestMultiSink ensures events are forwarded to all sinks.
func TestMultiSink(t *testing.T) {
	s1 := &recordSink{}
	s2 := &dispatchOnly{}
	m := NewMultiSink(s1, s2)
	if err := m.RecordDispatch(DispatchEvent{Kind: "MESSAGE", Outcome: OutcomeDelivered}); err != nil {
		t.Fatalf("record dispatch: %v", err)
	}
	if err := m.RecordPoll(PollEvent{OK: true}); err != nil {
		t.Fatalf("record poll: %v", err)
	}
	if s1.dispatches != 1 || s1.polls != 1 || s2.count != 1 {
		t.Fatalf("events not forwarded: %+v %+v", s1, s2)
	}
}

func TestMultiSink_FirstErrorAfterAll(t *testing.T) {
	boom := errors.New("boom")
	s1 := &recordSink{err: boom}
	s2 := &recordSink{}
	m := NewMultiSink(s1, s2)
	if err := m.RecordDispatch(DispatchEvent{}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if s2.dispatches != 1 {
		t.Fatalf("second sink skipped")
	}
}
