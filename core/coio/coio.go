// Package coio defines the readiness wait used by the driver: the single point
// where a goroutine driving a connection parks until its socket can make
// progress.
package coio

import (
	"strings"
	"time"
)

// Mask is a set of socket readiness conditions.
type Mask uint8

const (
	Read Mask = 1 << iota
	Write

	ReadWrite = Read | Write
)

// Timeout sentinels accepted by Waiter.Wait.
const (
	// Forever waits until the descriptor is ready.
	Forever time.Duration = -1
	// Immediate checks readiness without waiting.
	Immediate time.Duration = 0
)

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	if m&Read != 0 {
		parts = append(parts, "read")
	}
	if m&Write != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}

// Waiter blocks the calling goroutine until fd is ready for one of the
// conditions in interest, or timeout elapses. It returns the conditions that
// are ready, which is empty on timeout. An empty interest sleeps for timeout.
type Waiter interface {
	Wait(fd int, interest Mask, timeout time.Duration) (Mask, error)
}

// WaiterFunc adapts a function to the Waiter interface.
type WaiterFunc func(fd int, interest Mask, timeout time.Duration) (Mask, error)

// Wait calls f(fd, interest, timeout).
func (f WaiterFunc) Wait(fd int, interest Mask, timeout time.Duration) (Mask, error) {
	return f(fd, interest, timeout)
}
