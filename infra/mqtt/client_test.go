package mqtt

import (
	"bytes"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corecoio "github.com/kilianp07/mqttio/core/coio"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
	infracoio "github.com/kilianp07/mqttio/infra/coio"
	"github.com/kilianp07/mqttio/test/util"
)

type recorder struct {
	connects    []int
	disconnects []int
	published   []int
	messages    []coremqtt.Message
	subacks     [][]int
	unsubacks   []int
	logs        []string
}

func newTestClient(t *testing.T, clientID string, opts ...Option) (*Client, *recorder) {
	t.Helper()
	c, err := New(clientID, true, 7, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	rec := &recorder{}
	c.SetConnectCallback(func(ud uint64, rc int) {
		assert.Equal(t, uint64(7), ud)
		rec.connects = append(rec.connects, rc)
	})
	c.SetDisconnectCallback(func(_ uint64, rc int) { rec.disconnects = append(rec.disconnects, rc) })
	c.SetPublishCallback(func(_ uint64, mid int) { rec.published = append(rec.published, mid) })
	c.SetMessageCallback(func(_ uint64, m *coremqtt.Message) { rec.messages = append(rec.messages, *m) })
	c.SetSubscribeCallback(func(_ uint64, _ int, granted []int) { rec.subacks = append(rec.subacks, granted) })
	c.SetUnsubscribeCallback(func(_ uint64, mid int) { rec.unsubacks = append(rec.unsubacks, mid) })
	c.SetLogCallback(func(_ uint64, _ int, text string) { rec.logs = append(rec.logs, text) })
	return c, rec
}

// pump drives c with poll(2) until cond holds.
func pump(t *testing.T, c *Client, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var w infracoio.PollWaiter
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		fd := c.Socket()
		if fd < 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		interest := corecoio.Read
		if c.WantWrite() {
			interest |= corecoio.Write
		}
		ready, err := w.Wait(fd, interest, 20*time.Millisecond)
		require.NoError(t, err)
		if ready&corecoio.Read != 0 {
			_ = c.LoopRead(1)
		}
		if ready&corecoio.Write != 0 && c.Socket() >= 0 {
			_ = c.LoopWrite(1)
		}
		if c.Socket() >= 0 {
			_ = c.LoopMisc()
		}
	}
}

func connect(t *testing.T, b *util.Broker, c *Client, rec *recorder) {
	t.Helper()
	host, port := b.Addr()
	require.NoError(t, c.Connect(host, port, 60))
	require.GreaterOrEqual(t, c.Socket(), 0)
	pump(t, c, func() bool { return len(rec.connects) > 0 })
	require.Equal(t, []int{coremqtt.ConnAccepted}, rec.connects)
	require.True(t, c.Connected())
}

func TestClientConnectAndPublishQoS0(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "")
	connect(t, b, c, rec)

	require.Len(t, b.Connects(), 1)
	cp := b.Connects()[0]
	assert.Equal(t, "MQTT", cp.ProtocolName)
	assert.Equal(t, byte(4), cp.ProtocolVersion)
	assert.True(t, cp.CleanSession)
	assert.Equal(t, uint16(60), cp.Keepalive)
	assert.True(t, strings.HasPrefix(cp.ClientIdentifier, "mqttio-"))

	mid, err := c.Publish("t/1", []byte("hello"), 0, false)
	require.NoError(t, err)
	assert.NotZero(t, mid)
	pump(t, c, func() bool { return len(rec.published) > 0 })
	assert.Equal(t, []int{mid}, rec.published)
	assert.Contains(t, strings.Join(rec.logs, "\n"), "sending CONNECT")
}

func TestClientQoSRoundTrips(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "qos")
	connect(t, b, c, rec)

	_, err := c.Subscribe("t/#", 2)
	require.NoError(t, err)
	pump(t, c, func() bool { return len(rec.subacks) > 0 })
	assert.Equal(t, [][]int{{2}}, rec.subacks)

	payload := []byte{0x00, 0xff, 0x10, 0x00}
	mid1, err := c.Publish("t/1", payload, 1, false)
	require.NoError(t, err)
	mid2, err := c.Publish("t/2", []byte{}, 2, true)
	require.NoError(t, err)

	pump(t, c, func() bool { return len(rec.published) == 2 && len(rec.messages) == 2 })
	assert.ElementsMatch(t, []int{mid1, mid2}, rec.published)

	byTopic := map[string]coremqtt.Message{}
	for _, m := range rec.messages {
		byTopic[m.Topic] = m
	}
	assert.Equal(t, payload, byTopic["t/1"].Payload)
	assert.Equal(t, 1, byTopic["t/1"].QoS)
	assert.Empty(t, byTopic["t/2"].Payload)
	assert.Equal(t, 2, byTopic["t/2"].QoS)
	assert.Empty(t, c.outflight)
	assert.Empty(t, c.inQoS2)
}

func TestClientHandlesSeveralPacketsInOneRead(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "burst")
	connect(t, b, c, rec)
	_, err := c.Subscribe("burst/+", 0)
	require.NoError(t, err)
	pump(t, c, func() bool { return len(rec.subacks) > 0 })

	for i := 0; i < 3; i++ {
		b.Send("burst/x", []byte{byte(i)}, 0, false)
	}
	time.Sleep(100 * time.Millisecond)

	var w infracoio.PollWaiter
	ready, err := w.Wait(c.Socket(), corecoio.Read, time.Second)
	require.NoError(t, err)
	require.NotZero(t, ready&corecoio.Read)
	require.NoError(t, c.LoopRead(1))
	require.Len(t, rec.messages, 3)
	for i, m := range rec.messages {
		assert.Equal(t, []byte{byte(i)}, m.Payload)
	}
}

// stalledPeer accepts one connection on ln, completes a TLS handshake when
// ln is a TLS listener, and never reads afterwards.
func stalledPeer(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if tc, ok := conn.(*tls.Conn); ok {
			_ = tc.Handshake()
		}
		accepted <- conn
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case conn := <-accepted:
			_ = conn.Close()
		case <-time.After(time.Second):
		}
	})
	a := ln.Addr().(*net.TCPAddr)
	return a.IP.String(), a.Port
}

// requireNonBlockingWrites queues more than the socket buffers can hold and
// checks that neither loop step waits for the peer.
func requireNonBlockingWrites(t *testing.T, c *Client) {
	t.Helper()
	_, err := c.Publish("big/payload", make([]byte, 32<<20), 0, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		start := time.Now()
		require.NoError(t, c.LoopWrite(1))
		require.NoError(t, c.LoopRead(1))
		assert.Less(t, time.Since(start), 500*time.Millisecond, "pass %d", i)
	}
	assert.True(t, c.WantWrite())
	assert.GreaterOrEqual(t, c.Socket(), 0)
}

func TestClientWriteDoesNotWaitForSlowPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port := stalledPeer(t, ln)

	c, rec := newTestClient(t, "stalled")
	require.NoError(t, c.Connect(host, port, 60))
	requireNonBlockingWrites(t, c)
	assert.Empty(t, rec.published)
	assert.Empty(t, rec.disconnects)
}

func TestClientTLSWriteDoesNotWaitForSlowPeer(t *testing.T) {
	cert, key, ca := generateCert(t)
	pair, err := tls.LoadX509KeyPair(cert, key)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	host, port := stalledPeer(t, ln)

	c, rec := newTestClient(t, "stalled-tls")
	require.NoError(t, c.TLSSet(coremqtt.TLSFiles{CAFile: ca}))
	require.NoError(t, c.TLSInsecureSet(true))
	require.NoError(t, c.Connect(host, port, 60))
	requireNonBlockingWrites(t, c)
	assert.NotEmpty(t, c.tlsBuf.out)
	assert.Empty(t, rec.published)
	assert.Empty(t, rec.disconnects)
}

func TestClientUnsubscribe(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "unsub")
	connect(t, b, c, rec)

	mid, err := c.Unsubscribe("a/b")
	require.NoError(t, err)
	pump(t, c, func() bool { return len(rec.unsubacks) > 0 })
	assert.Equal(t, []int{mid}, rec.unsubacks)
}

func TestClientConnackRefused(t *testing.T) {
	b := util.StartBroker(t)
	b.SetConnackCode(coremqtt.ConnRefusedAuth)
	c, rec := newTestClient(t, "refused")
	host, port := b.Addr()
	require.NoError(t, c.Connect(host, port, 60))

	pump(t, c, func() bool { return len(rec.disconnects) > 0 })
	assert.Equal(t, []int{coremqtt.ConnRefusedAuth}, rec.connects)
	assert.Equal(t, []int{int(coremqtt.CodeConnRefused)}, rec.disconnects)
	assert.Equal(t, -1, c.Socket())
}

func TestClientDisconnect(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "bye")
	connect(t, b, c, rec)

	require.NoError(t, c.Disconnect())
	pump(t, c, func() bool { return len(rec.disconnects) > 0 })
	assert.Equal(t, []int{0}, rec.disconnects)
	assert.Equal(t, -1, c.Socket())

	_, err := c.Publish("t", nil, 0, false)
	assert.ErrorIs(t, err, coremqtt.CodeNoConn)
	assert.ErrorIs(t, c.Disconnect(), coremqtt.CodeNoConn)

	require.NoError(t, c.Reconnect())
	pump(t, c, func() bool { return len(rec.connects) == 2 })
}

func TestClientConnectionLost(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "lost")
	connect(t, b, c, rec)

	b.DropConnections()
	pump(t, c, func() bool { return len(rec.disconnects) > 0 })
	assert.Equal(t, []int{int(coremqtt.CodeConnLost)}, rec.disconnects)
	assert.Equal(t, -1, c.Socket())
	assert.ErrorIs(t, c.LoopRead(1), coremqtt.CodeNoConn)
}

func TestClientKeepalive(t *testing.T) {
	b := util.StartBroker(t)
	b.MutePings(true)
	now := time.Now()
	c, rec := newTestClient(t, "ka", WithClock(func() time.Time { return now }))
	host, port := b.Addr()
	require.NoError(t, c.Connect(host, port, 5))
	pump(t, c, func() bool { return len(rec.connects) > 0 })

	now = now.Add(6 * time.Second)
	require.NoError(t, c.LoopMisc())
	assert.True(t, c.WantWrite())
	require.NoError(t, c.LoopWrite(1))
	assert.Contains(t, strings.Join(rec.logs, "\n"), "sending PINGREQ")

	now = now.Add(6 * time.Second)
	err := c.LoopMisc()
	assert.ErrorIs(t, err, coremqtt.CodeKeepalive)
	assert.Equal(t, []int{int(coremqtt.CodeKeepalive)}, rec.disconnects)
}

func TestClientPingAnswered(t *testing.T) {
	b := util.StartBroker(t)
	now := time.Now()
	c, rec := newTestClient(t, "ping", WithClock(func() time.Time { return now }))
	host, port := b.Addr()
	require.NoError(t, c.Connect(host, port, 5))
	pump(t, c, func() bool { return len(rec.connects) > 0 })

	now = now.Add(6 * time.Second)
	require.NoError(t, c.LoopMisc())
	pump(t, c, func() bool { return c.pingSent.IsZero() })
	assert.Empty(t, rec.disconnects)
}

func TestClientQueuesQoS1WhileOffline(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "offline")

	mid, err := c.Publish("t/offline", []byte("x"), 1, false)
	require.NoError(t, err)
	_, err = c.Publish("t/offline", nil, 0, false)
	assert.ErrorIs(t, err, coremqtt.CodeNoConn)

	connect(t, b, c, rec)
	pump(t, c, func() bool { return len(rec.published) > 0 })
	assert.Equal(t, []int{mid}, rec.published)
	require.NotEmpty(t, b.Published())
	assert.Equal(t, "t/offline", b.Published()[0].TopicName)
}

func TestClientRetriesStaleInflight(t *testing.T) {
	now := time.Now()
	c, err := New("retry", true, 0, WithClock(func() time.Time { return now }), WithRetryInterval(time.Second))
	require.NoError(t, err)
	defer c.Destroy()
	b := util.StartBroker(t)
	host, port := b.Addr()
	connected := false
	c.SetConnectCallback(func(uint64, int) { connected = true })
	require.NoError(t, c.Connect(host, port, 60))
	pump(t, c, func() bool { return connected })

	c.outflight[99] = &inflight{msg: coremqtt.Message{MID: 99, Topic: "r", QoS: 1}, state: waitPuback, sentAt: now, sentGen: c.gen}
	require.NoError(t, c.LoopMisc())
	assert.False(t, c.WantWrite())

	now = now.Add(2 * time.Second)
	require.NoError(t, c.LoopMisc())
	require.True(t, c.WantWrite())
	assert.Equal(t, byte(0x3a), c.outq[0].data[0], "PUBLISH qos1 with DUP")
}

func TestClientConnectCarriesWillAndLogin(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "will")
	require.NoError(t, c.WillSet("status/will", []byte("gone"), 1, true))
	require.NoError(t, c.LoginSet("user", "secret"))
	connect(t, b, c, rec)

	cp := b.Connects()[0]
	assert.True(t, cp.WillFlag)
	assert.Equal(t, "status/will", cp.WillTopic)
	assert.Equal(t, []byte("gone"), cp.WillMessage)
	assert.Equal(t, byte(1), cp.WillQos)
	assert.True(t, cp.WillRetain)
	assert.Equal(t, "user", cp.Username)
	assert.True(t, bytes.Equal([]byte("secret"), cp.Password))

	require.NoError(t, c.WillClear())
	require.NoError(t, c.LoginSet("", ""))
	require.NoError(t, c.Reconnect())
	pump(t, c, func() bool { return len(rec.connects) == 2 })
	cp = b.Connects()[1]
	assert.False(t, cp.WillFlag)
	assert.False(t, cp.UsernameFlag)
}

func TestClientArgumentValidation(t *testing.T) {
	_, err := New("", false, 0)
	assert.ErrorIs(t, err, coremqtt.CodeInval)

	c, err := New("v", false, 0)
	require.NoError(t, err)
	defer c.Destroy()

	assert.ErrorIs(t, c.Reconnect(), coremqtt.CodeInval)
	assert.ErrorIs(t, c.Connect("localhost", 1883, 3), coremqtt.CodeInval)
	assert.ErrorIs(t, c.Connect("localhost", 70000, 60), coremqtt.CodeInval)

	_, err = c.Publish("a/#", nil, 0, false)
	assert.ErrorIs(t, err, coremqtt.CodeInval)
	_, err = c.Publish("a", nil, 3, false)
	assert.ErrorIs(t, err, coremqtt.CodeInval)
	_, err = c.Subscribe("a/b#", 0)
	assert.ErrorIs(t, err, coremqtt.CodeInval)
	_, err = c.Subscribe("a/#", 0)
	assert.ErrorIs(t, err, coremqtt.CodeNoConn)
	_, err = c.Unsubscribe("")
	assert.ErrorIs(t, err, coremqtt.CodeInval)
	assert.ErrorIs(t, c.WillSet("", nil, 0, false), coremqtt.CodeInval)
	assert.ErrorIs(t, c.WillSet("w", nil, -1, false), coremqtt.CodeInval)
	assert.Equal(t, -1, c.Socket())
	assert.False(t, c.WantWrite())
}

func TestClientDestroy(t *testing.T) {
	b := util.StartBroker(t)
	c, rec := newTestClient(t, "destroy")
	connect(t, b, c, rec)

	c.Destroy()
	c.Destroy()
	assert.Equal(t, -1, c.Socket())
	assert.Nil(t, c.onConnect)
	assert.ErrorIs(t, c.Reconnect(), coremqtt.CodeNoConn)
	assert.Empty(t, rec.disconnects)
}

func TestNextFrame(t *testing.T) {
	frame, ok, err := nextFrame([]byte{0x30})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, frame)

	frame, ok, err = nextFrame([]byte{0xd0, 0x00, 0x30})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{0xd0, 0x00}, frame)

	// Remaining length of 200 spans two bytes.
	buf := append([]byte{0x30, 0xc8, 0x01}, make([]byte, 199)...)
	_, ok, err = nextFrame(buf)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = nextFrame(append(buf, 0))
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = nextFrame([]byte{0x30, 0xff, 0xff, 0xff, 0xff, 0x01})
	assert.ErrorIs(t, err, coremqtt.CodeProtocol)
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter string
		ok     bool
	}{
		{"a/b", true},
		{"#", true},
		{"a/+/c", true},
		{"+/+", true},
		{"a/#/c", false},
		{"a/b+", false},
		{"", false},
	}
	for _, tt := range tests {
		err := validateFilter(tt.filter)
		if tt.ok {
			assert.NoError(t, err, tt.filter)
		} else {
			assert.ErrorIs(t, err, coremqtt.CodeInval, tt.filter)
		}
	}
}
