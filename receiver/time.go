package receiver

import (
	"sync"
	"time"
)

// atomicTime provides atomic access to a time.Time value. Sessions stamp
// it at construction, so a load always observes a real receive time.
type atomicTime struct {
	mtx sync.Mutex
	t   time.Time
}

// Store the given time.
func (at *atomicTime) Store(v time.Time) {
	at.mtx.Lock()
	at.t = v
	at.mtx.Unlock()
}

// Load the currently stored time.
func (at *atomicTime) Load() time.Time {
	at.mtx.Lock()
	v := at.t
	at.mtx.Unlock()
	return v
}
