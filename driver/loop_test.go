package driver

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/mqttio/core/coio"
	coremqtt "github.com/kilianp07/mqttio/core/mqtt"
)

func TestPollOneWithoutSocket(t *testing.T) {
	f, err := newFixture()
	require.NoError(t, err)
	defer f.h.Destroy()

	st := f.h.PollOne(coio.ReadWrite, time.Second, 1)
	assert.False(t, st.OK)
	assert.Equal(t, noConnText, st.Message)
	assert.Empty(t, f.waiter.calls)
	assert.Empty(t, f.engine.steps)
}

func TestPollOneDropsWriteInterestWhenIdle(t *testing.T) {
	f := connected(t)

	f.h.PollOne(coio.ReadWrite, 250*time.Millisecond, 1)
	require.Len(t, f.waiter.calls, 1)
	assert.Equal(t, waitCall{fd: 3, interest: coio.Read, timeout: 250 * time.Millisecond}, f.waiter.calls[0])

	f.engine.want = true
	f.h.PollOne(0, coio.Forever, 0)
	require.Len(t, f.waiter.calls, 2)
	assert.Equal(t, coio.ReadWrite, f.waiter.calls[1].interest)
	assert.Equal(t, coio.Forever, f.waiter.calls[1].timeout)

	f.h.PollOne(coio.Read, coio.Immediate, 1)
	require.Len(t, f.waiter.calls, 3)
	assert.Equal(t, coio.Read, f.waiter.calls[2].interest)
	assert.Equal(t, coio.Immediate, f.waiter.calls[2].timeout)
}

func TestPollOneBoundsForeverWithNothingToWaitFor(t *testing.T) {
	f := connected(t)

	f.h.PollOne(coio.Write, coio.Forever, 1)
	require.Len(t, f.waiter.calls, 1)
	assert.Equal(t, waitCall{fd: 3, interest: 0, timeout: DefaultRunTimeout}, f.waiter.calls[0])

	f.h.PollOne(coio.Write, 40*time.Millisecond, 1)
	require.Len(t, f.waiter.calls, 2)
	assert.Equal(t, waitCall{fd: 3, interest: 0, timeout: 40 * time.Millisecond}, f.waiter.calls[1])
}

func TestPollOneRunsOnlyRequestedSteps(t *testing.T) {
	f := connected(t)
	f.engine.want = true
	f.waiter.ready = coio.Write

	st := f.h.PollOne(coio.Write, coio.Immediate, 1)
	assert.True(t, st.OK, st.Message)
	assert.Equal(t, coio.Write, f.waiter.calls[0].interest)
	assert.Equal(t, []string{"write", "misc"}, f.engine.steps)
}

func TestMaintenanceRunsOnIdlePolls(t *testing.T) {
	f := connected(t)
	f.waiter.ready = 0

	misc := func() int {
		n := 0
		for _, s := range f.engine.steps {
			if s == "misc" {
				n++
			}
		}
		return n
	}

	st := f.poll(t)
	assert.True(t, st.OK)
	assert.Equal(t, []string{"misc"}, f.engine.steps, "first poll runs maintenance")

	f.poll(t)
	assert.Equal(t, 1, misc())

	f.clock.Advance(time.Second)
	f.poll(t)
	assert.Equal(t, 1, misc())

	f.clock.Advance(300 * time.Millisecond)
	f.poll(t)
	assert.Equal(t, 2, misc())

	f.clock.Advance(DefaultMaintenanceInterval)
	f.poll(t)
	assert.Equal(t, 3, misc())
}

func TestMaintenanceIntervalIsConfigurable(t *testing.T) {
	f := connected(t, WithMaintenanceInterval(5*time.Second))
	f.waiter.ready = 0

	f.poll(t)
	f.clock.Advance(4 * time.Second)
	f.poll(t)
	assert.Equal(t, []string{"misc"}, f.engine.steps)

	f.clock.Advance(time.Second)
	f.poll(t)
	assert.Equal(t, []string{"misc", "misc"}, f.engine.steps)
}

func TestPollOneStepOrder(t *testing.T) {
	f := connected(t)
	f.engine.want = true

	st := f.poll(t)
	assert.True(t, st.OK)
	assert.Equal(t, []string{"read", "write", "misc"}, f.engine.steps)
}

func TestPollOneReportsLastFailure(t *testing.T) {
	tests := []struct {
		name                       string
		readErr, writeErr, miscErr error
		want                       string
	}{
		{"all ok", nil, nil, nil, "ok"},
		{"read lost", coremqtt.CodeConnLost, nil, nil, "The connection was lost."},
		{"later failure wins", coremqtt.CodeProtocol, nil, coremqtt.CodeKeepalive, "Keepalive timeout."},
		{"no connection keeps earlier failure", coremqtt.CodeConnLost, coremqtt.CodeNoConn, coremqtt.CodeNoConn, "The connection was lost."},
		{"no connection alone", nil, coremqtt.CodeNoConn, nil, noConnText},
		{"errno", nil, coremqtt.Errno(syscall.EPIPE), nil, syscall.EPIPE.Error()},
		{"wrapped code", coremqtt.Errorf(coremqtt.CodeProtocol, "bad remaining length"), nil, nil,
			"A network protocol error occurred when communicating with the broker."},
		{"unmapped", nil, nil, coremqtt.CodeACLDenied, "unknown status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := connected(t)
			f.engine.want = true
			f.engine.readErr, f.engine.writeErr, f.engine.miscErr = tt.readErr, tt.writeErr, tt.miscErr

			st := f.poll(t)
			assert.Equal(t, tt.want, st.Message)
			assert.Equal(t, tt.want == "ok", st.OK)
			assert.Equal(t, []string{"read", "write", "misc"}, f.engine.steps)
		})
	}
}

func TestPollOneWaiterError(t *testing.T) {
	f := connected(t)
	f.waiter.ready = 0
	f.waiter.err = syscall.EBADF

	st := f.poll(t)
	assert.False(t, st.OK)
	assert.Equal(t, syscall.EBADF.Error(), st.Message)
	assert.Equal(t, []string{"misc"}, f.engine.steps)
}

func TestPollOneRecordsPollMetrics(t *testing.T) {
	f := connected(t)
	f.engine.want = true

	f.poll(t)
	f.waiter.ready = 0
	f.engine.readErr = coremqtt.CodeConnLost
	f.poll(t)

	require.Len(t, f.sink.polls, 2)
	first, second := f.sink.polls[0], f.sink.polls[1]
	assert.Equal(t, "fixture", first.ClientID)
	assert.Equal(t, "read|write", first.Ready)
	assert.True(t, first.OK)
	assert.Equal(t, "ok", first.Status)
	assert.True(t, first.Maintenance)
	assert.Equal(t, f.clock.Now(), first.Time)

	assert.Equal(t, "none", second.Ready)
	assert.True(t, second.OK, "read did not run")
	assert.False(t, second.Maintenance)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	var waits atomic.Int32
	waiter := coio.WaiterFunc(func(_ int, _ coio.Mask, timeout time.Duration) (coio.Mask, error) {
		waits.Add(1)
		time.Sleep(timeout)
		return 0, nil
	})
	m := newMockEngine()
	h, err := New("run", true, WithEngineFactory(m.factory()), WithWaiter(waiter))
	require.NoError(t, err)
	defer h.Destroy()
	require.True(t, h.Connect("", 0, 0).OK)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = h.Run(ctx, 5*time.Millisecond)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Positive(t, waits.Load())
}

func TestRunSleepsWithoutSocket(t *testing.T) {
	f, err := newFixture()
	require.NoError(t, err)
	defer f.h.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.h.Run(ctx, 5*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, f.waiter.calls)
}

func TestRunStopsWhenDestroyed(t *testing.T) {
	var h *Handle
	waits := 0
	waiter := coio.WaiterFunc(func(int, coio.Mask, time.Duration) (coio.Mask, error) {
		waits++
		if waits == 3 {
			h.Destroy()
		}
		return coio.Read, nil
	})
	m := newMockEngine()
	var err error
	h, err = New("run", true, WithEngineFactory(m.factory()), WithWaiter(waiter))
	require.NoError(t, err)
	require.True(t, h.Connect("", 0, 0).OK)

	err = h.Run(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Equal(t, 3, waits)
	assert.Equal(t, int32(1), m.destroyed.Load())
}
