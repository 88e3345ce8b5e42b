package room

import (
	"sync"
	"time"
)

// A shared document held by the relay. Every accepted update replaces the
// whole text; the last writer wins.
type Room struct {
	ID string

	mu        sync.RWMutex
	code      string
	updatedAt time.Time
	dirty     bool
}

// Creates a room seeded with the given code
func NewRoom(id, code string) *Room {
	return &Room{
		ID:        id,
		code:      code,
		updatedAt: time.Now(),
	}
}

// Replaces the room's code and marks it for persistence
func (r *Room) SetCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = code
	r.updatedAt = time.Now()
	r.dirty = true
}

func (r *Room) Code() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.code
}

func (r *Room) UpdatedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatedAt
}

// Returns the current code if it changed since the last call and clears the
// dirty flag.
func (r *Room) TakeDirty() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return "", false
	}
	r.dirty = false
	return r.code, true
}

// Re-marks the room dirty after a failed flush so the next pass retries it
func (r *Room) MarkDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty = true
}
