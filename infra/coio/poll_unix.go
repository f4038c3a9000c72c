//go:build unix

package coio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	corecoio "github.com/kilianp07/mqttio/core/coio"
)

// Wait polls fd with poll(2). The result never leaves interest. Error and
// hang-up conditions are reported as readable when Read was asked for, and
// as writable otherwise, so the next step observes the failure.
func (PollWaiter) Wait(fd int, interest corecoio.Mask, timeout time.Duration) (corecoio.Mask, error) {
	var events int16
	if interest&corecoio.Read != 0 {
		events |= unix.POLLIN
	}
	if interest&corecoio.Write != 0 {
		events |= unix.POLLOUT
	}
	if events == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return 0, nil
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	var ready corecoio.Mask
	re := fds[0].Revents
	if re&unix.POLLIN != 0 {
		ready |= corecoio.Read
	}
	if re&unix.POLLOUT != 0 {
		ready |= corecoio.Write
	}
	if re&(unix.POLLERR|unix.POLLHUP) != 0 {
		if interest&corecoio.Read != 0 {
			ready |= corecoio.Read
		} else {
			ready |= corecoio.Write
		}
	}
	ready &= interest
	if re&unix.POLLNVAL != 0 {
		return ready, unix.EBADF
	}
	return ready, nil
}

// pollTimeout converts a duration to poll(2) milliseconds, rounding up so a
// short positive timeout never turns into a busy check.
func pollTimeout(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
