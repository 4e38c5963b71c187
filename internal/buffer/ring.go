// Package buffer provides the capped ring that backs the notification
// feed.
package buffer

import (
	"sync"

	"github.com/practice-dashboard/realtime/internal/model"
)

// Ring is a thread-safe, capacity-bounded notification buffer. New entries
// are prepended; when the ring is full the oldest entry is discarded.
type Ring struct {
	mu       sync.RWMutex
	items    []model.Notification
	capacity int
}

// NewRing creates a Ring with the given capacity. The capacity must be
// greater than 0; if not, it defaults to 1.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		items:    make([]model.Notification, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts a notification at the head of the ring, dropping the oldest
// entry if the ring is at capacity.
func (r *Ring) Push(n model.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) == r.capacity {
		r.items = r.items[:r.capacity-1]
	}
	r.items = append([]model.Notification{n}, r.items...)
}

// Remove deletes the notification with the given id. Removing an unknown
// id is a no-op.
func (r *Ring) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, n := range r.items {
		if n.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

// MarkRead flags the notification with the given id as read.
func (r *Ring) MarkRead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.items {
		if r.items[i].ID == id {
			r.items[i].Read = true
			return
		}
	}
}

// Items returns a copy of the ring contents, newest first.
func (r *Ring) Items() []model.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Unread returns the number of unread notifications.
func (r *Ring) Unread() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, n := range r.items {
		if !n.Read {
			count++
		}
	}
	return count
}

// Clear removes all notifications.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = r.items[:0]
}

// Len returns the current number of notifications.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Cap returns the capacity of the ring.
func (r *Ring) Cap() int {
	return r.capacity
}
