package mqtt

// Engine is a non-blocking MQTT protocol state machine. It owns the socket and
// the wire protocol; callers drive it from readiness notifications.
//
// An Engine is not safe for concurrent use. Callbacks fire synchronously from
// within the step that produced the event (LoopRead, LoopWrite, LoopMisc) and
// receive the userdata token the engine was created with.
type Engine interface {
	// Socket returns the OS descriptor of the connection, or -1 when no
	// transport is established.
	Socket() int
	// WantWrite reports whether outbound data is queued.
	WantWrite() bool

	// LoopRead consumes readable data and handles every complete packet.
	LoopRead(maxPackets int) error
	// LoopWrite flushes queued packets.
	LoopWrite(maxPackets int) error
	// LoopMisc runs keep-alive and retry housekeeping.
	LoopMisc() error

	Connect(host string, port, keepalive int) error
	Reconnect() error
	Disconnect() error

	// Publish queues a message and returns its message id.
	Publish(topic string, payload []byte, qos int, retain bool) (int, error)
	Subscribe(filter string, qos int) (int, error)
	Unsubscribe(filter string) (int, error)

	WillSet(topic string, payload []byte, qos int, retain bool) error
	WillClear() error
	// LoginSet stores credentials for the next connection. An empty username
	// clears them.
	LoginSet(username, password string) error
	TLSSet(files TLSFiles) error
	TLSInsecureSet(insecure bool) error

	SetConnectCallback(cb ConnectCallback)
	SetDisconnectCallback(cb DisconnectCallback)
	SetPublishCallback(cb PublishCallback)
	SetMessageCallback(cb MessageCallback)
	SetSubscribeCallback(cb SubscribeCallback)
	SetUnsubscribeCallback(cb UnsubscribeCallback)
	SetLogCallback(cb LogCallback)

	// Destroy closes the transport and releases the engine. It must be
	// called at most once.
	Destroy()
}

// Factory builds an engine bound to the given userdata token.
type Factory func(clientID string, cleanSession bool, userdata uint64) (Engine, error)

// TLSFiles locates the certificate material used for TLS connections.
type TLSFiles struct {
	CAFile   string `json:"ca_file"`
	CAPath   string `json:"ca_path"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// Message is an application message as received from the broker.
type Message struct {
	MID     int
	Topic   string
	Payload []byte
	QoS     int
	Retain  bool
}

// Engine callbacks. userdata is the token passed to the Factory.
type (
	ConnectCallback     func(userdata uint64, rc int)
	DisconnectCallback  func(userdata uint64, rc int)
	PublishCallback     func(userdata uint64, mid int)
	MessageCallback     func(userdata uint64, msg *Message)
	SubscribeCallback   func(userdata uint64, mid int, grantedQoS []int)
	UnsubscribeCallback func(userdata uint64, mid int)
	LogCallback         func(userdata uint64, level int, text string)
)

// Engine log levels, combinable as a mask.
const (
	LogNone    = 0x00
	LogInfo    = 0x01
	LogNotice  = 0x02
	LogWarning = 0x04
	LogError   = 0x08
	LogDebug   = 0x10
	LogAll     = LogInfo | LogNotice | LogWarning | LogError | LogDebug
)

// CONNACK return codes (MQTT 3.1.1) plus the TLS failure code reported by the
// engine when the handshake is refused.
const (
	ConnAccepted          = 0
	ConnRefusedProtocol   = 1
	ConnRefusedIdentifier = 2
	ConnRefusedServer     = 3
	ConnRefusedLogin      = 4
	ConnRefusedAuth       = 5
	ConnRefusedTLS        = 6
)
