package mqtt

import "fmt"

// Code is an engine result code. The zero value is success; every other value
// is an error.
type Code int

const (
	CodeSuccess Code = iota
	CodeNoMem
	CodeProtocol
	CodeInval
	CodeNoConn
	CodeConnRefused
	CodeNotFound
	CodeConnLost
	CodeTLS
	CodePayloadSize
	CodeNotSupported
	CodeAuth
	CodeACLDenied
	CodeUnknown
	CodeErrno
	CodeLookup
	CodeKeepalive
)

var codeText = map[Code]string{
	CodeSuccess:      "No error.",
	CodeNoMem:        "Out of memory.",
	CodeProtocol:     "A network protocol error occurred when communicating with the broker.",
	CodeInval:        "Invalid function arguments provided.",
	CodeNoConn:       "The client is not currently connected.",
	CodeConnRefused:  "The connection was refused.",
	CodeNotFound:     "Message not found (internal error).",
	CodeConnLost:     "The connection was lost.",
	CodeTLS:          "A TLS error occurred.",
	CodePayloadSize:  "Payload too large.",
	CodeNotSupported: "This feature is not supported.",
	CodeAuth:         "Authorisation failed.",
	CodeACLDenied:    "Access denied by ACL.",
	CodeUnknown:      "Unknown error.",
	CodeErrno:        "Error defined by errno.",
	CodeLookup:       "Lookup error.",
	CodeKeepalive:    "Keepalive timeout.",
}

func (c Code) Error() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "Unknown error."
}

// ErrnoError carries a system-level failure (dial, read, write) reported by
// the engine in place of a protocol code.
type ErrnoError struct {
	Err error
}

func (e *ErrnoError) Error() string {
	if e.Err == nil {
		return CodeErrno.Error()
	}
	return e.Err.Error()
}

func (e *ErrnoError) Unwrap() error { return e.Err }

// Errno wraps err as an ErrnoError.
func Errno(err error) error {
	if err == nil {
		return nil
	}
	return &ErrnoError{Err: err}
}

// Errorf returns a Code-classified error with extra context. errors.Is(err,
// code) holds for the result.
func Errorf(code Code, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{code}, args...)...)
}
