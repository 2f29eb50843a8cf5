package messaging

import "sync"

// Dispatcher serializes work per user. Different users run concurrently.
type Dispatcher struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{locks: make(map[int64]*userLock)}
}

// Do runs fn while holding the user's lock.
func (d *Dispatcher) Do(userID int64, fn func() error) error {
	d.mu.Lock()
	l, ok := d.locks[userID]
	if !ok {
		l = &userLock{}
		d.locks[userID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	defer func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, userID)
		}
		d.mu.Unlock()
	}()
	return fn()
}

// Active returns the number of users with work in flight or waiting.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
