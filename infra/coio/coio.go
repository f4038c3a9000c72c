// Package coio implements the readiness wait on top of the operating
// system's poll(2).
package coio

import corecoio "github.com/kilianp07/mqttio/core/coio"

// PollWaiter waits for socket readiness with poll(2). The zero value is ready
// to use.
type PollWaiter struct{}

var _ corecoio.Waiter = PollWaiter{}
