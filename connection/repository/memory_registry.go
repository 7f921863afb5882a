package repository

import (
	"sort"
	"sync"

	"github.com/AzielCF/az-inbox/connection/domain/session"
)

// MemoryRegistry keeps the live handle of every session in process memory.
// Generations are process-wide and strictly increasing, so a replaced entry
// never shares a generation with its successor.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[int]session.Entry
	nextGen uint64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[int]session.Entry),
	}
}

// Register inserts or replaces the entry for sessionID. Closing the previous
// handle is the caller's job.
func (r *MemoryRegistry) Register(sessionID int, h session.Handle) session.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextGen++
	e := session.Entry{SessionID: sessionID, Handle: h, Generation: r.nextGen}
	r.entries[sessionID] = e
	return e
}

func (r *MemoryRegistry) Get(sessionID int) (session.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return e.Handle, nil
}

func (r *MemoryRegistry) Lookup(sessionID int) (session.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[sessionID]
	return e, ok
}

func (r *MemoryRegistry) Remove(sessionID int) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// IDs returns the registered session ids in ascending order.
func (r *MemoryRegistry) IDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Ints(ids)
	return ids
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
