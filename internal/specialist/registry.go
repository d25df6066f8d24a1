// Package specialist keeps the directory of human responders and picks the
// best one for an escalated session.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"crisis-intervention/backend/internal/models"
)

var (
	// ErrNotFound is returned for unknown specialist ids
	ErrNotFound = errors.New("specialist not found")
	// ErrAtCapacity is returned when a specialist cannot take another chat
	ErrAtCapacity = errors.New("specialist at capacity")
	// ErrNoLoad is returned when releasing a specialist with no chats
	ErrNoLoad = errors.New("specialist has no active chats")
	// ErrInvalid is returned by Upsert for malformed specialists
	ErrInvalid = errors.New("invalid specialist")
)

// Registry is the directory of specialists. Implementations must apply every
// mutation atomically with respect to concurrent readers, and must recompute
// availability on each load change.
type Registry interface {
	Upsert(ctx context.Context, s models.Specialist) (models.Specialist, error)
	Get(ctx context.Context, id string) (models.Specialist, error)
	List(ctx context.Context) ([]models.Specialist, error)
	ListAvailable(ctx context.Context) ([]models.Specialist, error)
	SetOnline(ctx context.Context, id string, online bool) (models.Specialist, error)
	IncrementLoad(ctx context.Context, id string) (models.Specialist, error)
	DecrementLoad(ctx context.Context, id string) (models.Specialist, error)
}

type entry struct {
	mu sync.Mutex
	s  models.Specialist
}

// MemoryRegistry is the in-process Registry. The map is guarded by a
// read-write lock; each specialist has its own mutex so load changes on one
// specialist never block another.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewMemoryRegistry returns an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*entry)}
}

func (r *MemoryRegistry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Upsert inserts or replaces a specialist. CurrentChats of an existing entry
// is kept when the update omits it, and availability is always derived.
func (r *MemoryRegistry) Upsert(_ context.Context, s models.Specialist) (models.Specialist, error) {
	if s.ID == "" {
		return models.Specialist{}, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.MaxConcurrentChats <= 0 {
		return models.Specialist{}, fmt.Errorf("%w: maxConcurrentChats must be positive", ErrInvalid)
	}
	if s.CurrentChats < 0 || s.ResponseTime < 0 {
		return models.Specialist{}, fmt.Errorf("%w: negative load or response time", ErrInvalid)
	}

	s = s.Clone()

	r.mu.Lock()
	e, exists := r.entries[s.ID]
	if !exists {
		e = &entry{}
		r.entries[s.ID] = e
		r.order = append(r.order, s.ID)
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if exists && s.CurrentChats == 0 {
		s.CurrentChats = e.s.CurrentChats
	}
	if s.CurrentChats > s.MaxConcurrentChats {
		s.CurrentChats = s.MaxConcurrentChats
	}
	s.RecomputeAvailability()
	e.s = s
	return e.s.Clone(), nil
}

// Get returns a copy of the specialist
func (r *MemoryRegistry) Get(_ context.Context, id string) (models.Specialist, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Specialist{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// List returns every specialist in insertion order
func (r *MemoryRegistry) List(_ context.Context) ([]models.Specialist, error) {
	return r.collect(func(models.Specialist) bool { return true }), nil
}

// ListAvailable returns online specialists with spare capacity, in insertion
// order.
func (r *MemoryRegistry) ListAvailable(_ context.Context) ([]models.Specialist, error) {
	return r.collect(func(s models.Specialist) bool { return s.IsAvailable && s.IsOnline }), nil
}

func (r *MemoryRegistry) collect(keep func(models.Specialist) bool) []models.Specialist {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	out := make([]models.Specialist, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.s.Clone()
		e.mu.Unlock()
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// SetOnline updates the presence flag
func (r *MemoryRegistry) SetOnline(_ context.Context, id string, online bool) (models.Specialist, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Specialist{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.IsOnline = online
	return e.s.Clone(), nil
}

// IncrementLoad reserves one chat slot. It fails without mutating when the
// specialist is already full.
func (r *MemoryRegistry) IncrementLoad(_ context.Context, id string) (models.Specialist, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Specialist{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.CurrentChats >= e.s.MaxConcurrentChats {
		return e.s.Clone(), fmt.Errorf("%w: %s", ErrAtCapacity, id)
	}
	e.s.CurrentChats++
	e.s.RecomputeAvailability()
	return e.s.Clone(), nil
}

// DecrementLoad releases one chat slot
func (r *MemoryRegistry) DecrementLoad(_ context.Context, id string) (models.Specialist, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Specialist{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.CurrentChats <= 0 {
		return e.s.Clone(), fmt.Errorf("%w: %s", ErrNoLoad, id)
	}
	e.s.CurrentChats--
	e.s.RecomputeAvailability()
	return e.s.Clone(), nil
}
