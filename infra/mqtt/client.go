package mqtt

import (
	"crypto/tls"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

const (
	// ProtocolVersion is the MQTT protocol level spoken by the engine (3.1.1).
	ProtocolVersion = 4

	// DefaultRetryInterval is how long an unacknowledged QoS 1/2 message
	// waits before it is sent again with the DUP flag.
	DefaultRetryInterval = 20 * time.Second
	// DefaultConnectTimeout bounds the TCP dial and TLS handshake.
	DefaultConnectTimeout = 10 * time.Second

	maxPayload = 268435455
	readSize   = 16 * 1024
)

type connState int

const (
	stateNew connState = iota
	stateConnecting
	stateConnected
	stateDisconnecting
)

type outDir int

const (
	waitPuback outDir = iota
	waitPubrec
	waitPubcomp
)

type inflight struct {
	msg    coremqtt.Message
	state  outDir
	sentAt time.Time
	// sentGen is the connection generation the message was last sent on.
	sentGen uint64
}

type will struct {
	topic   string
	payload []byte
	qos     int
	retain  bool
}

// outPacket is one encoded packet waiting in the write queue.
type outPacket struct {
	data []byte
	// sealed is set once data has been encrypted into the TLS buffer.
	sealed bool
	// mid is the message id of a QoS 0 publish, reported once written.
	mid           int
	notifyPublish bool
	closeAfter    bool
}

// Client is the bundled MQTT 3.1.1 engine. It frames packets with the Paho
// codec and is driven entirely by the caller through LoopRead, LoopWrite and
// LoopMisc. It is not safe for concurrent use.
type Client struct {
	clientID     string
	cleanSession bool
	userdata     uint64

	connectTimeout time.Duration
	retryInterval  time.Duration
	now            func() time.Time
	dial           func(network, addr string, timeout time.Duration) (net.Conn, error)

	host      string
	port      int
	keepalive time.Duration
	username  string
	password  string
	hasLogin  bool
	will      *will
	tlsFiles  *coremqtt.TLSFiles
	insecure  bool
	tlsConfig *tls.Config

	conn net.Conn
	// raw is the TCP socket under conn. Every socket read and write goes
	// through it without waiting.
	raw syscall.RawConn
	// tlsBuf holds ciphertext between conn and raw when TLS is on.
	tlsBuf *tlsBuffer
	fd     int
	gen    uint64
	state  connState

	inbuf []byte
	outq  []outPacket
	// offset of the first unwritten byte of outq[0].
	outOff int

	lastIn   time.Time
	lastOut  time.Time
	pingSent time.Time

	lastMid    uint16
	outflight  map[uint16]*inflight
	inQoS2     map[uint16]*coremqtt.Message
	destroyed  bool
	everDialed bool

	onConnect     coremqtt.ConnectCallback
	onDisconnect  coremqtt.DisconnectCallback
	onPublish     coremqtt.PublishCallback
	onMessage     coremqtt.MessageCallback
	onSubscribe   coremqtt.SubscribeCallback
	onUnsubscribe coremqtt.UnsubscribeCallback
	onLog         coremqtt.LogCallback
}

var _ coremqtt.Engine = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithRetryInterval sets how long in-flight QoS 1/2 messages wait before
// being resent.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithConnectTimeout bounds dial and TLS handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithClock replaces time.Now for keep-alive and retry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTLSConfig uses cfg as is instead of building one from TLSSet files.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// New creates an engine. An empty clientID gets a random "mqttio-" id, which
// requires cleanSession.
func New(clientID string, cleanSession bool, userdata uint64, opts ...Option) (*Client, error) {
	if clientID == "" && !cleanSession {
		return nil, coremqtt.Errorf(coremqtt.CodeInval, "a client id is required when clean session is false")
	}
	if clientID == "" {
		clientID = "mqttio-" + uuid.NewString()
	}
	c := &Client{
		clientID:       clientID,
		cleanSession:   cleanSession,
		userdata:       userdata,
		connectTimeout: DefaultConnectTimeout,
		retryInterval:  DefaultRetryInterval,
		now:            time.Now,
		dial:           net.DialTimeout,
		fd:             -1,
		outflight:      make(map[uint16]*inflight),
		inQoS2:         make(map[uint16]*coremqtt.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewFactory returns a coremqtt.Factory building Clients with opts.
func NewFactory(opts ...Option) coremqtt.Factory {
	return func(clientID string, cleanSession bool, userdata uint64) (coremqtt.Engine, error) {
		return New(clientID, cleanSession, userdata, opts...)
	}
}

// ClientID returns the identifier sent in CONNECT.
func (c *Client) ClientID() string { return c.clientID }

// Socket returns the descriptor of the current connection or -1.
func (c *Client) Socket() int {
	if c.conn == nil {
		return -1
	}
	return c.fd
}

// WantWrite reports whether packets or TLS records are waiting to be written.
func (c *Client) WantWrite() bool {
	if c.conn == nil {
		return false
	}
	return len(c.outq) > 0 || (c.tlsBuf != nil && len(c.tlsBuf.out) > 0)
}

// Connected reports whether a CONNACK accepting the session was received on
// the current connection.
func (c *Client) Connected() bool {
	return c.conn != nil && c.state == stateConnected
}

func (c *Client) SetConnectCallback(cb coremqtt.ConnectCallback)         { c.onConnect = cb }
func (c *Client) SetDisconnectCallback(cb coremqtt.DisconnectCallback)   { c.onDisconnect = cb }
func (c *Client) SetPublishCallback(cb coremqtt.PublishCallback)         { c.onPublish = cb }
func (c *Client) SetMessageCallback(cb coremqtt.MessageCallback)         { c.onMessage = cb }
func (c *Client) SetSubscribeCallback(cb coremqtt.SubscribeCallback)     { c.onSubscribe = cb }
func (c *Client) SetUnsubscribeCallback(cb coremqtt.UnsubscribeCallback) { c.onUnsubscribe = cb }
func (c *Client) SetLogCallback(cb coremqtt.LogCallback)                 { c.onLog = cb }

// WillSet stores the last will sent with the next CONNECT.
func (c *Client) WillSet(topic string, payload []byte, qos int, retain bool) error {
	if err := validatePublishTopic(topic); err != nil {
		return err
	}
	if qos < 0 || qos > 2 {
		return coremqtt.Errorf(coremqtt.CodeInval, "qos %d out of range", qos)
	}
	if len(payload) > maxPayload {
		return coremqtt.CodePayloadSize
	}
	c.will = &will{topic: topic, payload: append([]byte(nil), payload...), qos: qos, retain: retain}
	return nil
}

// WillClear removes a previously set will.
func (c *Client) WillClear() error {
	c.will = nil
	return nil
}

// LoginSet stores credentials for the next CONNECT. An empty username clears
// them.
func (c *Client) LoginSet(username, password string) error {
	if username == "" {
		c.username, c.password, c.hasLogin = "", "", false
		return nil
	}
	c.username, c.password, c.hasLogin = username, password, true
	return nil
}

// TLSSet enables TLS for the next connection. At least one of CAFile and
// CAPath is required, CertFile and KeyFile go together, and every given file
// must be readable.
func (c *Client) TLSSet(files coremqtt.TLSFiles) error {
	if err := validateTLSFiles(files); err != nil {
		return err
	}
	f := files
	c.tlsFiles = &f
	return nil
}

// TLSInsecureSet disables server hostname verification. The certificate
// chain is still verified.
func (c *Client) TLSInsecureSet(insecure bool) error {
	c.insecure = insecure
	return nil
}

// Connect dials host:port and queues a CONNECT packet.
func (c *Client) Connect(host string, port, keepalive int) error {
	if host == "" || port <= 0 || port > 65535 {
		return coremqtt.Errorf(coremqtt.CodeInval, "invalid broker address %q:%d", host, port)
	}
	if keepalive < 0 || (keepalive > 0 && keepalive < 5) || keepalive > 65535 {
		return coremqtt.Errorf(coremqtt.CodeInval, "keepalive %d out of range", keepalive)
	}
	c.host, c.port, c.keepalive = host, port, time.Duration(keepalive)*time.Second
	c.everDialed = true
	return c.open()
}

// Reconnect closes any current connection and connects again with the last
// Connect parameters.
func (c *Client) Reconnect() error {
	if !c.everDialed {
		return coremqtt.Errorf(coremqtt.CodeInval, "reconnect before connect")
	}
	return c.open()
}

// Disconnect queues a DISCONNECT packet. The socket is closed and the
// disconnect callback fires with code 0 once it has been written.
func (c *Client) Disconnect() error {
	if c.conn == nil {
		return coremqtt.CodeNoConn
	}
	c.state = stateDisconnecting
	c.log(coremqtt.LogDebug, "Client %s sending DISCONNECT", c.clientID)
	return c.queue(newDisconnect(), outPacket{closeAfter: true})
}

// Publish queues a message. QoS 0 needs a live connection; QoS 1 and 2
// messages are kept in flight and sent once a connection exists.
func (c *Client) Publish(topic string, payload []byte, qos int, retain bool) (int, error) {
	if err := validatePublishTopic(topic); err != nil {
		return 0, err
	}
	if qos < 0 || qos > 2 {
		return 0, coremqtt.Errorf(coremqtt.CodeInval, "qos %d out of range", qos)
	}
	if len(payload) > maxPayload {
		return 0, coremqtt.CodePayloadSize
	}
	mid := c.nextMid()
	msg := coremqtt.Message{MID: int(mid), Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos, Retain: retain}
	if qos == 0 {
		if c.conn == nil {
			return 0, coremqtt.CodeNoConn
		}
		if err := c.sendPublish(msg, false); err != nil {
			return 0, err
		}
		return int(mid), nil
	}
	st := waitPuback
	if qos == 2 {
		st = waitPubrec
	}
	c.outflight[mid] = &inflight{msg: msg, state: st, sentAt: c.now()}
	if c.conn != nil {
		if err := c.sendPublish(msg, false); err != nil {
			return 0, err
		}
	}
	return int(mid), nil
}

// Subscribe queues a SUBSCRIBE for one filter.
func (c *Client) Subscribe(filter string, qos int) (int, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if qos < 0 || qos > 2 {
		return 0, coremqtt.Errorf(coremqtt.CodeInval, "qos %d out of range", qos)
	}
	if c.conn == nil {
		return 0, coremqtt.CodeNoConn
	}
	mid := c.nextMid()
	c.log(coremqtt.LogDebug, "Client %s sending SUBSCRIBE (Mid: %d, Topic: %s, QoS: %d)", c.clientID, mid, filter, qos)
	if err := c.queue(newSubscribe(mid, filter, qos), outPacket{}); err != nil {
		return 0, err
	}
	return int(mid), nil
}

// Unsubscribe queues an UNSUBSCRIBE for one filter.
func (c *Client) Unsubscribe(filter string) (int, error) {
	if err := validateFilter(filter); err != nil {
		return 0, err
	}
	if c.conn == nil {
		return 0, coremqtt.CodeNoConn
	}
	mid := c.nextMid()
	c.log(coremqtt.LogDebug, "Client %s sending UNSUBSCRIBE (Mid: %d, Topic: %s)", c.clientID, mid, filter)
	if err := c.queue(newUnsubscribe(mid, filter), outPacket{}); err != nil {
		return 0, err
	}
	return int(mid), nil
}

// Destroy closes the connection and drops every callback. Callbacks never
// fire after Destroy returns.
func (c *Client) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.closeConn()
	c.onConnect, c.onDisconnect, c.onPublish = nil, nil, nil
	c.onMessage, c.onSubscribe, c.onUnsubscribe, c.onLog = nil, nil, nil, nil
	c.outflight = make(map[uint16]*inflight)
	c.inQoS2 = make(map[uint16]*coremqtt.Message)
}

func (c *Client) nextMid() uint16 {
	c.lastMid++
	if c.lastMid == 0 {
		c.lastMid = 1
	}
	return c.lastMid
}

func (c *Client) log(level int, format string, args ...any) {
	if c.onLog == nil {
		return
	}
	c.onLog(c.userdata, level, fmt.Sprintf(format, args...))
}
