package events

import (
	"sync"
	"time"
)

// typingTimeout ends a typing indication when no cancel arrives.
const typingTimeout = 5 * time.Second

// typingTracker debounces typing notifications. The wire only sends
// "started typing", so a timer synthesizes the stop.
type typingTracker struct {
	emit func(phone string, userID int64, typing bool)

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

type typingKey struct {
	phone  string
	userID int64
}

func newTypingTracker(emit func(phone string, userID int64, typing bool)) *typingTracker {
	return &typingTracker{
		emit:   emit,
		timers: make(map[typingKey]*time.Timer),
	}
}

// Observe handles one raw typing update.
func (t *typingTracker) Observe(phone string, userID int64, typing bool) {
	key := typingKey{phone, userID}

	t.mu.Lock()
	timer, active := t.timers[key]
	if !typing {
		if active {
			timer.Stop()
			delete(t.timers, key)
		}
		t.mu.Unlock()
		if active {
			t.emit(phone, userID, false)
		}
		return
	}

	if active {
		// Still typing, push the deadline out.
		timer.Reset(typingTimeout)
		t.mu.Unlock()
		return
	}
	t.timers[key] = time.AfterFunc(typingTimeout, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		t.emit(phone, userID, false)
	})
	t.mu.Unlock()
	t.emit(phone, userID, true)
}

// Stop cancels all pending timers.
func (t *typingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
