//go:build unix

package mqtt

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// readNow makes one read(2) on the non-blocking socket. An empty socket
// yields zero bytes and no error; closed reports end of stream.
func readNow(rc syscall.RawConn, b []byte) (n int, closed bool, err error) {
	var rerr error
	if err := rc.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), b)
		return true
	}); err != nil {
		return 0, false, err
	}
	switch {
	case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EINTR):
		return 0, false, nil
	case rerr != nil:
		return 0, false, rerr
	}
	return n, n == 0, nil
}

// writeNow makes one write(2) on the non-blocking socket and returns how
// much of b it took. A full socket buffer is not an error.
func writeNow(rc syscall.RawConn, b []byte) (int, error) {
	var n int
	var werr error
	if err := rc.Write(func(fd uintptr) bool {
		n, werr = unix.Write(int(fd), b)
		return true
	}); err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	if errors.Is(werr, unix.EAGAIN) || errors.Is(werr, unix.EINTR) {
		return n, nil
	}
	return n, werr
}
