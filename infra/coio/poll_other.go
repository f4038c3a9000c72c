//go:build !unix

package coio

import (
	"errors"
	"time"

	corecoio "github.com/kilianp07/mqttio/core/coio"
)

// Wait is not implemented on this platform.
func (PollWaiter) Wait(int, corecoio.Mask, time.Duration) (corecoio.Mask, error) {
	return 0, errors.ErrUnsupported
}
