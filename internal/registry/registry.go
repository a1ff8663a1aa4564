// Package registry tracks which users currently have a live connection on
// this node and routes outbound events to them.
//
// Every user id owns a slot with its own lock. Connect, Disconnect and Send
// for the same user serialize on that lock, so a send never writes to a
// handle that is being torn down and a late disconnect from an old
// connection cannot remove a newer one.
package registry

import (
	"log"
	"sync"
)

// Handle is a live transport endpoint. Handles are compared by identity.
type Handle interface {
	ID() string
	WriteMessage(data []byte) error
	Close() error
}

type slot struct {
	mu     sync.Mutex
	handle Handle
	dead   bool // removed from the map; callers must look the user up again
}

// Registry maps user ids to their current handle. The last Connect wins.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// lockSlot returns the user's slot locked, creating it when create is set.
// It returns nil when the user has no slot and create is false.
func (r *Registry) lockSlot(userID string, create bool) *slot {
	for {
		r.mu.RLock()
		s := r.slots[userID]
		r.mu.RUnlock()

		if s == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			s = r.slots[userID]
			if s == nil {
				s = &slot{}
				r.slots[userID] = s
			}
			r.mu.Unlock()
		}

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// Connect makes h the route for userID. A different handle previously
// registered for the user is closed.
func (r *Registry) Connect(userID string, h Handle) {
	s := r.lockSlot(userID, true)
	evicted := s.handle
	s.handle = h
	s.mu.Unlock()

	if evicted != nil && evicted != h {
		log.Printf("[registry] user=%s replaced conn=%s with conn=%s", userID, evicted.ID(), h.ID())
		if err := evicted.Close(); err != nil {
			log.Printf("[registry] close evicted conn=%s: %v", evicted.ID(), err)
		}
	}
}

// Disconnect removes the route for userID only if h is still the current
// handle. It reports whether the route was removed.
func (r *Registry) Disconnect(userID string, h Handle) bool {
	s := r.lockSlot(userID, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()

	if s.handle != h {
		return false
	}
	s.handle = nil
	s.dead = true

	r.mu.Lock()
	if r.slots[userID] == s {
		delete(r.slots, userID)
	}
	r.mu.Unlock()
	return true
}

// Send writes data to the user's current handle. It returns false when the
// user is offline or the write failed; transport errors are logged and never
// returned.
func (r *Registry) Send(userID string, data []byte) bool {
	s := r.lockSlot(userID, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()

	if s.handle == nil {
		return false
	}
	if err := s.handle.WriteMessage(data); err != nil {
		log.Printf("[registry] send to user=%s conn=%s failed: %v", userID, s.handle.ID(), err)
		return false
	}
	return true
}

// IsOnline reports whether the user has a registered handle.
func (r *Registry) IsOnline(userID string) bool {
	s := r.lockSlot(userID, false)
	if s == nil {
		return false
	}
	defer s.mu.Unlock()
	return s.handle != nil
}

// Online returns the number of users with a registered handle.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}
