// Package status tracks per-account connection state with validated
// transitions, publishing every change on the bus.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/valmat-dev/inboxd/internal/bus"
)

// State is one account's connection state.
type State string

const (
	Offline      State = "offline"
	Connecting   State = "connecting"
	Connected    State = "connected"
	AuthRequired State = "auth_required"
	Banned       State = "banned"
	Errored      State = "errored"
)

// transitions lists the allowed moves. Anything absent is a bug in the
// caller.
var transitions = map[State][]State{
	Offline:      {Connecting},
	Connecting:   {Connected, AuthRequired, Banned, Errored, Offline},
	Connected:    {Offline, Errored, AuthRequired, Banned},
	AuthRequired: {Connecting, Offline},
	Banned:       {Offline},
	Errored:      {Connecting, Offline},
}

// Update is the payload published on connection.status changes.
type Update struct {
	Phone    string `json:"phone"`
	Previous State  `json:"previous"`
	Current  State  `json:"current"`
	Reason   string `json:"reason,omitempty"`
	At       int64  `json:"at"`
}

// Registry holds the state machine for every known account.
type Registry struct {
	bus *bus.Bus

	mu     sync.RWMutex
	states map[string]State
}

// NewRegistry returns an empty registry publishing on b.
func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{
		bus:    b,
		states: make(map[string]State),
	}
}

// Get returns the current state for phone, Offline when unknown.
func (r *Registry) Get(phone string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.states[phone]; ok {
		return s
	}
	return Offline
}

// All returns a snapshot of every tracked account.
func (r *Registry) All() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.states))
	for phone, s := range r.states {
		out[phone] = s
	}
	return out
}

// Set moves phone to next, validating the transition and publishing
// the change. A no-op when already in next.
func (r *Registry) Set(phone string, next State, reason string) error {
	r.mu.Lock()
	current, ok := r.states[phone]
	if !ok {
		current = Offline
	}
	if current == next {
		r.mu.Unlock()
		return nil
	}
	if !allowed(current, next) {
		r.mu.Unlock()
		return fmt.Errorf("invalid transition %s -> %s for %s", current, next, phone)
	}
	r.states[phone] = next
	r.mu.Unlock()

	r.bus.Emit(bus.KindConnectionStatus, Update{
		Phone:    phone,
		Previous: current,
		Current:  next,
		Reason:   reason,
		At:       time.Now().UnixMilli(),
	})
	return nil
}

// Force moves phone to next without validation. Used when recovering
// from external facts, like a revoked session discovered mid-call.
func (r *Registry) Force(phone string, next State, reason string) {
	r.mu.Lock()
	current, ok := r.states[phone]
	if !ok {
		current = Offline
	}
	if current == next {
		r.mu.Unlock()
		return
	}
	r.states[phone] = next
	r.mu.Unlock()

	r.bus.Emit(bus.KindConnectionStatus, Update{
		Phone:    phone,
		Previous: current,
		Current:  next,
		Reason:   reason,
		At:       time.Now().UnixMilli(),
	})
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
