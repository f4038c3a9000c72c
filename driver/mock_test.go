package driver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilianp07/mqttio/core/coio"
	"github.com/kilianp07/mqttio/core/metrics"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// mockEngine is a scripted engine. Events queued with emit fire during the
// next LoopRead.
type mockEngine struct {
	userdata uint64
	fd       int
	want     bool

	readErr, writeErr, miscErr error
	// opErr is returned by every configuration and network call.
	opErr error

	steps     []string
	events    []func()
	nextMid   int
	unacked   []int
	destroyed atomic.Int32

	host            string
	port, keepalive int
	will            []any
	login           [2]string
	tls             coremqtt.TLSFiles
	insecure        bool

	onConnect     coremqtt.ConnectCallback
	onDisconnect  coremqtt.DisconnectCallback
	onPublish     coremqtt.PublishCallback
	onMessage     coremqtt.MessageCallback
	onSubscribe   coremqtt.SubscribeCallback
	onUnsubscribe coremqtt.UnsubscribeCallback
	onLog         coremqtt.LogCallback
}

func newMockEngine() *mockEngine {
	return &mockEngine{fd: -1}
}

func (m *mockEngine) factory() coremqtt.Factory {
	return func(_ string, _ bool, userdata uint64) (coremqtt.Engine, error) {
		m.userdata = userdata
		return m, nil
	}
}

func (m *mockEngine) emit(fn func()) { m.events = append(m.events, fn) }

func (m *mockEngine) Socket() int     { return m.fd }
func (m *mockEngine) WantWrite() bool { return m.want || len(m.unacked) > 0 }

func (m *mockEngine) LoopRead(int) error {
	m.steps = append(m.steps, "read")
	events := m.events
	m.events = nil
	for _, ev := range events {
		ev()
	}
	return m.readErr
}

func (m *mockEngine) LoopWrite(int) error {
	m.steps = append(m.steps, "write")
	for _, mid := range m.unacked {
		if m.onPublish != nil {
			m.onPublish(m.userdata, mid)
		}
	}
	m.unacked = nil
	return m.writeErr
}

func (m *mockEngine) LoopMisc() error {
	m.steps = append(m.steps, "misc")
	return m.miscErr
}

func (m *mockEngine) Connect(host string, port, keepalive int) error {
	if m.opErr != nil {
		return m.opErr
	}
	m.host, m.port, m.keepalive = host, port, keepalive
	m.fd = 3
	m.emit(func() {
		if m.onConnect != nil {
			m.onConnect(m.userdata, coremqtt.ConnAccepted)
		}
	})
	return nil
}

func (m *mockEngine) Reconnect() error { return m.Connect(m.host, m.port, m.keepalive) }

func (m *mockEngine) Disconnect() error {
	if m.fd < 0 {
		return coremqtt.CodeNoConn
	}
	m.fd = -1
	if m.onDisconnect != nil {
		m.onDisconnect(m.userdata, 0)
	}
	return nil
}

func (m *mockEngine) Publish(string, []byte, int, bool) (int, error) {
	if m.opErr != nil {
		return 0, m.opErr
	}
	m.nextMid++
	m.unacked = append(m.unacked, m.nextMid)
	return m.nextMid, nil
}

func (m *mockEngine) Subscribe(string, int) (int, error) {
	if m.opErr != nil {
		return 0, m.opErr
	}
	m.nextMid++
	return m.nextMid, nil
}

func (m *mockEngine) Unsubscribe(string) (int, error) {
	if m.opErr != nil {
		return 0, m.opErr
	}
	m.nextMid++
	return m.nextMid, nil
}

func (m *mockEngine) WillSet(topic string, payload []byte, qos int, retain bool) error {
	m.will = []any{topic, payload, qos, retain}
	return m.opErr
}

func (m *mockEngine) WillClear() error {
	m.will = nil
	return m.opErr
}

func (m *mockEngine) LoginSet(u, p string) error {
	m.login = [2]string{u, p}
	return m.opErr
}

func (m *mockEngine) TLSSet(f coremqtt.TLSFiles) error {
	m.tls = f
	return m.opErr
}

func (m *mockEngine) TLSInsecureSet(b bool) error {
	m.insecure = b
	return m.opErr
}

func (m *mockEngine) SetConnectCallback(cb coremqtt.ConnectCallback)         { m.onConnect = cb }
func (m *mockEngine) SetDisconnectCallback(cb coremqtt.DisconnectCallback)   { m.onDisconnect = cb }
func (m *mockEngine) SetPublishCallback(cb coremqtt.PublishCallback)         { m.onPublish = cb }
func (m *mockEngine) SetMessageCallback(cb coremqtt.MessageCallback)         { m.onMessage = cb }
func (m *mockEngine) SetSubscribeCallback(cb coremqtt.SubscribeCallback)     { m.onSubscribe = cb }
func (m *mockEngine) SetUnsubscribeCallback(cb coremqtt.UnsubscribeCallback) { m.onUnsubscribe = cb }
func (m *mockEngine) SetLogCallback(cb coremqtt.LogCallback)                 { m.onLog = cb }

func (m *mockEngine) Destroy() {
	m.destroyed.Add(1)
	m.fd = -1
}

// fakeWaiter returns ready for every wait and records the calls.
type fakeWaiter struct {
	ready coio.Mask
	err   error
	calls []waitCall
}

type waitCall struct {
	fd       int
	interest coio.Mask
	timeout  time.Duration
}

func (w *fakeWaiter) Wait(fd int, interest coio.Mask, timeout time.Duration) (coio.Mask, error) {
	w.calls = append(w.calls, waitCall{fd, interest, timeout})
	return w.ready & interest, w.err
}

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// recordLogger keeps formatted error and warning lines.
type recordLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordLogger) Debugf(string, ...any)         {}
func (l *recordLogger) Debugw(string, map[string]any) {}
func (l *recordLogger) Infof(string, ...any)          {}
func (l *recordLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
}
func (l *recordLogger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, args...))
}

// recordSink keeps every metrics event.
type recordSink struct {
	dispatches []metrics.DispatchEvent
	polls      []metrics.PollEvent
}

func (r *recordSink) RecordDispatch(ev metrics.DispatchEvent) error {
	r.dispatches = append(r.dispatches, ev)
	return nil
}

func (r *recordSink) RecordPoll(ev metrics.PollEvent) error {
	r.polls = append(r.polls, ev)
	return nil
}

func (r *recordSink) outcomes(kind EventKind) []string {
	var out []string
	for _, d := range r.dispatches {
		if d.Kind == kind.String() {
			out = append(out, d.Outcome)
		}
	}
	return out
}

type fixture struct {
	h      *Handle
	engine *mockEngine
	waiter *fakeWaiter
	clock  *fakeClock
	log    *recordLogger
	sink   *recordSink
}

func newFixture(opts ...Option) (*fixture, error) {
	f := &fixture{
		engine: newMockEngine(),
		waiter: &fakeWaiter{},
		clock:  newFakeClock(),
		log:    &recordLogger{},
		sink:   &recordSink{},
	}
	base := []Option{
		WithEngineFactory(f.engine.factory()),
		WithWaiter(f.waiter),
		WithClock(f.clock.Now),
		WithLogger(f.log),
		WithMetricsSink(f.sink),
	}
	h, err := New("fixture", true, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	f.h = h
	return f, nil
}
