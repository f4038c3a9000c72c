//go:build !unix

package mqtt

import (
	"errors"
	"syscall"
)

func readNow(syscall.RawConn, []byte) (int, bool, error) {
	return 0, false, errors.ErrUnsupported
}

func writeNow(syscall.RawConn, []byte) (int, error) {
	return 0, errors.ErrUnsupported
}
