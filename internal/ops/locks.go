package ops

import (
	"sync"
	"time"
)

// AccountLocks provides per-account try-locks with a timeout, so a job
// stuck behind a long-running operation fails that account instead of
// stalling the whole run.
type AccountLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewAccountLocks returns an empty lock set.
func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[string]chan struct{})}
}

func (a *AccountLocks) lockChan(phone string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.locks[phone]
	if !ok {
		ch = make(chan struct{}, 1)
		a.locks[phone] = ch
	}
	return ch
}

// Acquire takes the lock for phone, waiting at most timeout. Returns
// false on timeout.
func (a *AccountLocks) Acquire(phone string, timeout time.Duration) bool {
	ch := a.lockChan(phone)
	select {
	case ch <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

// TryAcquire takes the lock only if free.
func (a *AccountLocks) TryAcquire(phone string) bool {
	select {
	case a.lockChan(phone) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock for phone. Releasing an unheld lock is a
// no-op.
func (a *AccountLocks) Release(phone string) {
	select {
	case <-a.lockChan(phone):
	default:
	}
}
