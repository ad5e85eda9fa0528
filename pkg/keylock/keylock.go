// Package keylock provides keyed mutual exclusion: operations on the same
// key serialize, operations on different keys proceed concurrently. Used to
// serialize balance mutations per wallet and lifecycle updates per order.
package keylock

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired within the
// caller's wait budget.
var ErrTimeout = errors.New("keylock: acquire timed out")

type entry struct {
	sem  chan struct{}
	refs int
}

// Ring holds one in-process mutex per active key. Entries are dropped once
// no goroutine holds or waits on them.
type Ring struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty Ring.
func New() *Ring {
	return &Ring{locks: make(map[string]*entry)}
}

// Acquire blocks until the key's lock is held or the timeout elapses.
// On success it returns a release function that must be called exactly once.
func (r *Ring) Acquire(key string, timeout time.Duration) (func(), error) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	if timeout <= 0 {
		select {
		case e.sem <- struct{}{}:
			var once sync.Once
			release := func() {
				once.Do(func() {
					<-e.sem
					r.put(key, e)
				})
			}
			return release, nil
		default:
			r.put(key, e)
			return nil, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-e.sem
				r.put(key, e)
			})
		}
		return release, nil
	case <-timer.C:
		r.put(key, e)
		return nil, ErrTimeout
	}
}

// TryAcquire attempts the lock without blocking.
func (r *Ring) TryAcquire(key string) (func(), bool) {
	release, err := r.Acquire(key, 0)
	if err != nil {
		return nil, false
	}
	return release, true
}

func (r *Ring) put(key string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}
