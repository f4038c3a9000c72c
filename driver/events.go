package driver

import (
	"strconv"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// EventKind identifies an engine event a handler can be registered for.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnect
	EventPublish
	EventSubscribe
	EventUnsubscribe
	EventDisconnect
	// EventLog is registered through SetLogCallback only.
	EventLog
)

var kindNames = [...]string{
	EventMessage:     "MESSAGE",
	EventConnect:     "CONNECT",
	EventPublish:     "PUBLISH",
	EventSubscribe:   "SUBSCRIBE",
	EventUnsubscribe: "UNSUBSCRIBE",
	EventDisconnect:  "DISCONNECT",
	EventLog:         "LOG",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// LogLevel is a bit set of engine log severities.
type LogLevel int

const (
	LogNone    LogLevel = coremqtt.LogNone
	LogInfo    LogLevel = coremqtt.LogInfo
	LogNotice  LogLevel = coremqtt.LogNotice
	LogWarning LogLevel = coremqtt.LogWarning
	LogError   LogLevel = coremqtt.LogError
	LogDebug   LogLevel = coremqtt.LogDebug
	LogAll     LogLevel = coremqtt.LogAll
)

// Message is an application message delivered to a MessageHandler. Payload
// is owned by the handler.
type Message struct {
	MID     int
	Topic   string
	Payload []byte
	QoS     int
	Retain  bool
}

// Handler signatures, one per event kind. A returned error is logged with
// the event kind; it does not stop the event loop.
type (
	ConnectHandler     func(ok bool, code int, reason string) error
	DisconnectHandler  func(ok bool, code int, reason string) error
	PublishHandler     func(mid int) error
	MessageHandler     func(msg Message) error
	SubscribeHandler   func(mid int, granted []int) error
	UnsubscribeHandler func(mid int) error
	LogHandler         func(level LogLevel, text string) error
)

var connectReasons = map[int]string{
	coremqtt.ConnAccepted:          "connection accepted",
	coremqtt.ConnRefusedProtocol:   "connection refused - incorrect protocol version",
	coremqtt.ConnRefusedIdentifier: "connection refused - invalid client identifier",
	coremqtt.ConnRefusedServer:     "connection refused - server unavailable",
	coremqtt.ConnRefusedLogin:      "connection refused - bad username or password",
	coremqtt.ConnRefusedAuth:       "connection refused - not authorised",
	coremqtt.ConnRefusedTLS:        "connection refused - TLS error",
}

// ConnectReason returns the text for a CONNECT result code.
func ConnectReason(code int) string {
	if r, ok := connectReasons[code]; ok {
		return r
	}
	return "connection status unknown"
}

// DisconnectReason returns the text for a DISCONNECT result code.
func DisconnectReason(code int) string {
	if code == 0 {
		return "client-initiated disconnect"
	}
	return "unexpected disconnect"
}
