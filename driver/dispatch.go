package driver

import (
	"fmt"

	"github.com/kilianp07/mqttio/core/metrics"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// Engine trampolines. Each one resolves the session from the engine's
// userdata, drops the event if the session is gone, and hands the translated
// arguments to the registered handler.

func onConnect(userdata uint64, rc int) {
	s := sessions.lookup(userdata)
	if s == nil {
		return
	}
	fn, _ := s.callbacks[EventConnect].(ConnectHandler)
	s.deliver(EventConnect, fn != nil, func() error {
		return fn(rc == coremqtt.ConnAccepted, rc, ConnectReason(rc))
	})
}

func onDisconnect(userdata uint64, rc int) {
	s := sessions.lookup(userdata)
	if s == nil {
		return
	}
	fn, _ := s.callbacks[EventDisconnect].(DisconnectHandler)
	s.deliver(EventDisconnect, fn != nil, func() error {
		return fn(rc == 0, rc, DisconnectReason(rc))
	})
}

func onPublish(userdata uint64, mid int) {
	s := sessions.lookup(userdata)
	if s == nil {
		return
	}
	fn, _ := s.callbacks[EventPublish].(PublishHandler)
	s.deliver(EventPublish, fn != nil, func() error { return fn(mid) })
}

func onMessage(userdata uint64, msg *coremqtt.Message) {
	s := sessions.lookup(userdata)
	if s == nil || msg == nil {
		return
	}
	fn, _ := s.callbacks[EventMessage].(MessageHandler)
	s.deliver(EventMessage, fn != nil, func() error {
		payload := make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)
		return fn(Message{
			MID:     msg.MID,
			Topic:   msg.Topic,
			Payload: payload,
			QoS:     msg.QoS,
			Retain:  msg.Retain,
		})
	})
}

func onSubscribe(userdata uint64, mid int, granted []int) {
	s := sessions.lookup(userdata)
	if s == nil {
		return
	}
	fn, _ := s.callbacks[EventSubscribe].(SubscribeHandler)
	s.deliver(EventSubscribe, fn != nil, func() error {
		return fn(mid, append([]int(nil), granted...))
	})
}

func onUnsubscribe(userdata uint64, mid int) {
	s := sessions.lookup(userdata)
	if s == nil {
		return
	}
	fn, _ := s.callbacks[EventUnsubscribe].(UnsubscribeHandler)
	s.deliver(EventUnsubscribe, fn != nil, func() error { return fn(mid) })
}

func onLog(userdata uint64, level int, text string) {
	s := sessions.lookup(userdata)
	if s == nil {
		return
	}
	if LogLevel(level)&s.logMask == 0 {
		s.record(EventLog, metrics.OutcomeFiltered)
		return
	}
	fn, _ := s.callbacks[EventLog].(LogHandler)
	s.deliver(EventLog, fn != nil, func() error { return fn(LogLevel(level), text) })
}

// deliver runs call and keeps any error or panic away from the engine.
func (s *session) deliver(kind EventKind, registered bool, call func() error) {
	if !registered {
		s.record(kind, metrics.OutcomeDropped)
		return
	}
	outcome := metrics.OutcomeDelivered
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s callback failed: panic: %v", kind, r)
			outcome = metrics.OutcomeFailed
		}
		s.record(kind, outcome)
	}()
	if err := call(); err != nil {
		s.log.Errorf("%s callback failed: %v", kind, err)
		outcome = metrics.OutcomeFailed
	}
}

func (s *session) record(kind EventKind, outcome string) {
	err := s.metrics.RecordDispatch(metrics.DispatchEvent{
		ClientID: s.clientID,
		Kind:     kind.String(),
		Outcome:  outcome,
		Time:     s.clock(),
	})
	if err != nil {
		s.log.Debugw("metrics record failed", map[string]any{"kind": kind.String(), "error": fmt.Sprint(err)})
	}
}
