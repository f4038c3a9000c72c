package driver

import (
	"sync"
	"sync/atomic"
)

// arena maps the userdata token handed to an engine back to the live
// session. Engines never hold a pointer to their session.
type arena struct {
	next    atomic.Uint64
	entries sync.Map
}

var sessions arena

func (a *arena) reserve() uint64 {
	return a.next.Add(1)
}

func (a *arena) store(id uint64, s *session) {
	a.entries.Store(id, s)
}

// lookup returns the session for id if it is still alive.
func (a *arena) lookup(id uint64) *session {
	v, ok := a.entries.Load(id)
	if !ok {
		return nil
	}
	s := v.(*session)
	if !s.alive.Load() {
		return nil
	}
	return s
}

func (a *arena) remove(id uint64) {
	a.entries.Delete(id)
}
