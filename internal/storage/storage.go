package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

const defaultCapacity = 256

var (
	// ErrInvalidRevision indicates a revision without a path or value.
	ErrInvalidRevision = errors.New("revision requires a path and a value")
)

// Revision records a single applied configuration change.
type Revision struct {
	Seq   uint64         `json:"seq"`
	Path  string         `json:"path"`
	Value document.Value `json:"-"`
	At    time.Time      `json:"at"`
}

// Storage provides access to the recorded configuration changes.
type Storage interface {
	Append(path string, value document.Value, at time.Time) (Revision, error)
	Revisions(limit int) ([]Revision, error)
}

// MemoryStorage keeps the most recent revisions in a bounded ring and guards
// access with a RWMutex.
type MemoryStorage struct {
	mu       sync.RWMutex
	capacity int
	ring     []Revision
	next     uint64
}

// NewMemoryStorage creates a store holding at most capacity revisions.
// A non-positive capacity selects the default.
func NewMemoryStorage(capacity int) *MemoryStorage {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStorage{
		capacity: capacity,
		ring:     make([]Revision, 0, capacity),
	}
}

// Append stores a copy of value under the next sequence number, evicting the
// oldest revision once the store is full.
func (s *MemoryStorage) Append(path string, value document.Value, at time.Time) (Revision, error) {
	if path == "" || value == nil {
		return Revision{}, ErrInvalidRevision
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	rev := Revision{
		Seq:   s.next,
		Path:  path,
		Value: document.Clone(value),
		At:    at,
	}
	if len(s.ring) == s.capacity {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
	}
	s.ring = append(s.ring, rev)
	return cloneRevision(rev), nil
}

// Revisions returns up to limit of the newest revisions, oldest first.
// A non-positive limit returns everything retained.
func (s *MemoryStorage) Revisions(limit int) ([]Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if limit > 0 && limit < len(s.ring) {
		start = len(s.ring) - limit
	}
	out := make([]Revision, 0, len(s.ring)-start)
	for _, rev := range s.ring[start:] {
		out = append(out, cloneRevision(rev))
	}
	return out, nil
}

func cloneRevision(rev Revision) Revision {
	rev.Value = document.Clone(rev.Value)
	return rev
}
