package driver

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/kilianp07/mqttio/core/coio"
	"github.com/kilianp07/mqttio/core/logger"
	"github.com/kilianp07/mqttio/core/metrics"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// Connection defaults applied by Connect.
const (
	DefaultHost      = "localhost"
	DefaultPort      = 1883
	DefaultKeepalive = 60
)

// session is the state behind a Handle. The arena and the GC cleanup refer to
// the session, never to the Handle, so an unreferenced Handle can be
// collected.
type session struct {
	id           uint64
	alive        atomic.Bool
	clientID     string
	cleanSession bool

	engine    coremqtt.Engine
	callbacks map[EventKind]any
	logMask   LogLevel

	waiter          coio.Waiter
	clock           func() time.Time
	interval        time.Duration
	nextMaintenance time.Time

	log     logger.Logger
	metrics metrics.MetricsSink
}

// Handle is one MQTT client session. Create it with New and release it with
// Destroy. A Handle is owned by a single goroutine.
type Handle struct {
	s *session
}

// New creates a session. An empty clientID lets the engine pick one and
// requires cleanSession.
func New(clientID string, cleanSession bool, opts ...Option) (*Handle, error) {
	if clientID == "" && !cleanSession {
		return nil, fmt.Errorf("%w: a client id is required when clean session is false", ErrInvalidArgument)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := sessions.reserve()
	engine, err := o.factory(clientID, cleanSession, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	s := &session{
		id:           id,
		clientID:     clientID,
		cleanSession: cleanSession,
		engine:       engine,
		callbacks:    make(map[EventKind]any),
		logMask:      LogNone,
		waiter:       o.waiter,
		clock:        o.clock,
		interval:     o.interval,
		log:          o.log,
		metrics:      o.sink,
	}
	s.alive.Store(true)
	sessions.store(id, s)

	h := &Handle{s: s}
	runtime.AddCleanup(h, (*session).collect, s)
	return h, nil
}

// destroy is the single teardown path shared by Destroy and the GC cleanup.
// It reports whether this call performed the teardown.
func (s *session) destroy() bool {
	if !s.alive.CompareAndSwap(true, false) {
		return false
	}
	sessions.remove(s.id)
	s.engine.Destroy()
	s.engine = nil
	clear(s.callbacks)
	s.log.Debugf("session %d destroyed", s.id)
	return true
}

func (s *session) collect() {
	if s.destroy() {
		s.log.Warnf("session %d for client %q collected without Destroy", s.id, s.clientID)
	}
}

// Destroy releases the engine and every handler. It is idempotent and
// reports ok on every call.
func (h *Handle) Destroy() Status {
	defer runtime.KeepAlive(h)
	h.s.destroy()
	return Translate(nil)
}

// Alive reports whether Destroy has not run yet.
func (h *Handle) Alive() bool { return h.s.alive.Load() }

// ClientID returns the id passed to New, empty when the engine generated one.
func (h *Handle) ClientID() string { return h.s.clientID }

// CleanSession returns the clean session flag passed to New.
func (h *Handle) CleanSession() bool { return h.s.cleanSession }

// call runs op against the engine of a live handle and translates the result.
func (h *Handle) call(op func(e coremqtt.Engine) error) Status {
	defer runtime.KeepAlive(h)
	s := h.s
	if !s.alive.Load() {
		return noConnStatus()
	}
	return Translate(op(s.engine))
}

func (h *Handle) callValue(op func(e coremqtt.Engine) (int, error)) Status {
	defer runtime.KeepAlive(h)
	s := h.s
	if !s.alive.Load() {
		return noConnStatus()
	}
	return valueStatus(op(s.engine))
}

// WillSet configures the last will sent with the next CONNECT. payload may
// be nil.
func (h *Handle) WillSet(topic string, payload []byte, qos int, retain bool) Status {
	return h.call(func(e coremqtt.Engine) error { return e.WillSet(topic, payload, qos, retain) })
}

// WillClear removes the last will.
func (h *Handle) WillClear() Status {
	return h.call(func(e coremqtt.Engine) error { return e.WillClear() })
}

// LoginSet sets the credentials for the next CONNECT. An empty username
// clears them.
func (h *Handle) LoginSet(username, password string) Status {
	return h.call(func(e coremqtt.Engine) error { return e.LoginSet(username, password) })
}

// TLSSet enables TLS with the given certificate files.
func (h *Handle) TLSSet(files coremqtt.TLSFiles) Status {
	return h.call(func(e coremqtt.Engine) error { return e.TLSSet(files) })
}

// TLSInsecureSet turns off server hostname verification.
func (h *Handle) TLSInsecureSet(insecure bool) Status {
	return h.call(func(e coremqtt.Engine) error { return e.TLSInsecureSet(insecure) })
}

// Connect dials the broker. Zero values select DefaultHost, DefaultPort and
// DefaultKeepalive. The outcome is reported later through the CONNECT
// handler.
func (h *Handle) Connect(host string, port, keepalive int) Status {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if keepalive == 0 {
		keepalive = DefaultKeepalive
	}
	return h.call(func(e coremqtt.Engine) error { return e.Connect(host, port, keepalive) })
}

// Reconnect dials again with the parameters of the last Connect.
func (h *Handle) Reconnect() Status {
	return h.call(func(e coremqtt.Engine) error { return e.Reconnect() })
}

// Disconnect sends DISCONNECT. The DISCONNECT handler fires once it has been
// written by PollOne.
func (h *Handle) Disconnect() Status {
	return h.call(func(e coremqtt.Engine) error { return e.Disconnect() })
}

// Publish queues a message. On success Value holds the message id echoed by
// the PUBLISH handler.
func (h *Handle) Publish(topic string, payload []byte, qos int, retain bool) Status {
	return h.callValue(func(e coremqtt.Engine) (int, error) { return e.Publish(topic, payload, qos, retain) })
}

// Subscribe queues a subscription. On success Value holds the message id
// echoed by the SUBSCRIBE handler.
func (h *Handle) Subscribe(filter string, qos int) Status {
	return h.callValue(func(e coremqtt.Engine) (int, error) { return e.Subscribe(filter, qos) })
}

// Unsubscribe queues an unsubscription. On success Value holds the message
// id echoed by the UNSUBSCRIBE handler.
func (h *Handle) Unsubscribe(filter string) Status {
	return h.callValue(func(e coremqtt.Engine) (int, error) { return e.Unsubscribe(filter) })
}
