package driver

import (
	"errors"
	"fmt"

	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

const (
	statusOK      = "ok"
	statusUnknown = "unknown status"
)

// Status is the uniform result of a driver operation. A successful
// Publish, Subscribe or Unsubscribe carries the message id in Value.
type Status struct {
	OK       bool
	Message  string
	Value    int
	HasValue bool
}

// StatusError is a failed Status used as an error.
type StatusError struct {
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// Err returns nil for a successful status and a *StatusError otherwise.
func (s Status) Err() error {
	if s.OK {
		return nil
	}
	return &StatusError{Message: s.Message}
}

// Result returns the carried value and the status error.
func (s Status) Result() (int, error) {
	return s.Value, s.Err()
}

func (s Status) String() string {
	switch {
	case s.OK && s.HasValue:
		return fmt.Sprintf("ok (%d)", s.Value)
	case s.OK:
		return statusOK
	default:
		return "error: " + s.Message
	}
}

// translatable lists the engine codes reported with their own text. Anything
// else becomes "unknown status".
var translatable = map[coremqtt.Code]bool{
	coremqtt.CodeInval:        true,
	coremqtt.CodeNoMem:        true,
	coremqtt.CodeProtocol:     true,
	coremqtt.CodeNotSupported: true,
	coremqtt.CodeNoConn:       true,
	coremqtt.CodeConnLost:     true,
	coremqtt.CodePayloadSize:  true,
	coremqtt.CodeConnRefused:  true,
	coremqtt.CodeTLS:          true,
	coremqtt.CodeKeepalive:    true,
	coremqtt.CodeLookup:       true,
}

// Translate maps an engine result to a Status. It never panics and never
// fails: unmapped results become "unknown status".
func Translate(err error) Status {
	if err == nil {
		return Status{OK: true, Message: statusOK}
	}
	var errno *coremqtt.ErrnoError
	if errors.As(err, &errno) {
		return Status{Message: errno.Error()}
	}
	var code coremqtt.Code
	if errors.As(err, &code) {
		if code == coremqtt.CodeSuccess {
			return Status{OK: true, Message: statusOK}
		}
		if translatable[code] {
			return Status{Message: code.Error()}
		}
	}
	return Status{Message: statusUnknown}
}

func valueStatus(v int, err error) Status {
	if err != nil {
		return Translate(err)
	}
	return Status{OK: true, Message: statusOK, Value: v, HasValue: true}
}

func noConnStatus() Status {
	return Translate(coremqtt.CodeNoConn)
}

func invalidStatus(err error) Status {
	return Status{Message: err.Error()}
}
