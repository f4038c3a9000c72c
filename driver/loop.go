package driver

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/kilianp07/mqttio/core/coio"
	"github.com/kilianp07/mqttio/core/metrics"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

// DefaultRunTimeout bounds each readiness wait inside Run.
const DefaultRunTimeout = 100 * time.Millisecond

// PollOne waits for the socket to become ready for interest (Read|Write when
// zero) for up to timeout (coio.Forever or coio.Immediate allowed), then runs
// the engine's read step, write step and, when due, its maintenance step, in
// that order. The readiness wait is the only place it blocks. Handlers fire
// on the calling goroutine before PollOne returns.
//
// Only steps named in interest run. A socket error or hang-up counts as
// readiness for one of them, Read when requested and Write otherwise.
// Write interest is dropped while the engine has nothing to send; if that
// leaves nothing to wait for and timeout is coio.Forever, the wait lasts
// DefaultRunTimeout instead.
//
// The maintenance step runs whenever its interval has elapsed, even after a
// timeout or a failed step. The result is the status of the last step that
// failed, or ok, with one exception: a later "not connected" result never
// replaces an earlier failure, since it only reflects the socket that
// failure closed.
func (h *Handle) PollOne(interest coio.Mask, timeout time.Duration, maxPackets int) Status {
	defer runtime.KeepAlive(h)
	s := h.s
	if !s.alive.Load() {
		return noConnStatus()
	}
	if interest == 0 {
		interest = coio.ReadWrite
	}
	if maxPackets <= 0 {
		maxPackets = 1
	}

	started := s.clock()
	fd := s.engine.Socket()
	if fd < 0 {
		return noConnStatus()
	}
	if !s.engine.WantWrite() {
		interest &^= coio.Write
	}
	if interest == 0 && timeout < 0 {
		timeout = DefaultRunTimeout
	}

	var last error
	ready, err := s.waiter.Wait(fd, interest, timeout)
	if err != nil {
		last = coremqtt.Errno(err)
	}
	if ready&coio.Read != 0 && s.alive.Load() {
		last = step(last, s.engine.LoopRead(maxPackets))
	}
	if ready&coio.Write != 0 && s.alive.Load() && s.engine.Socket() >= 0 {
		last = step(last, s.engine.LoopWrite(maxPackets))
	}

	maintenance := false
	if s.alive.Load() {
		now := s.clock()
		if !now.Before(s.nextMaintenance) {
			maintenance = true
			last = step(last, s.engine.LoopMisc())
			s.nextMaintenance = now.Add(s.interval)
		}
	}

	st := Translate(last)
	s.recordPoll(ready, st, maintenance, started)
	return st
}

// step folds the result of one engine step into the running status. A
// no-connection result does not hide the failure that closed the socket.
func step(last, err error) error {
	if err == nil {
		return last
	}
	if last != nil && errors.Is(err, coremqtt.CodeNoConn) {
		return last
	}
	return err
}

func (s *session) recordPoll(ready coio.Mask, st Status, maintenance bool, started time.Time) {
	rec, ok := s.metrics.(metrics.PollRecorder)
	if !ok {
		return
	}
	now := s.clock()
	err := rec.RecordPoll(metrics.PollEvent{
		ClientID:    s.clientID,
		Ready:       ready.String(),
		OK:          st.OK,
		Status:      st.Message,
		Maintenance: maintenance,
		Duration:    now.Sub(started),
		Time:        now,
	})
	if err != nil {
		s.log.Debugf("metrics record failed: %v", err)
	}
}

// Run calls PollOne until ctx is done or the handle is destroyed, waiting at
// most timeout (DefaultRunTimeout when not positive) per pass. While no
// connection exists it sleeps instead of polling. It returns ctx.Err() or
// ErrDestroyed.
func (h *Handle) Run(ctx context.Context, timeout time.Duration) error {
	defer runtime.KeepAlive(h)
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	s := h.s
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.alive.Load() {
			return ErrDestroyed
		}
		if s.engine.Socket() < 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(timeout):
			}
			continue
		}
		h.PollOne(coio.ReadWrite, timeout, 1)
	}
}
