// Package memory provides a store.Driver keeping all records in process
// memory. It backs single-node deployments and tests; nothing survives a
// restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tokenbay/marketd/internal/clock"
	"github.com/tokenbay/marketd/internal/config"
	"github.com/tokenbay/marketd/internal/event"
	"github.com/tokenbay/marketd/internal/store"
)

func init() {
	store.Register("memory", openMemory)
}

// openMemory is the store.Driver for the "memory" backend.
func openMemory(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return NewRepositories(clk), nil
}

// NewRepositories returns a fresh in-memory Repositories set. Exported so
// tests can build one without going through the driver registry.
func NewRepositories(clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Collections: NewCollectionRepo(clk),
		Items:       NewItemRepo(clk),
		Events:      NewEventStore(clk),
		Closer:      closerFunc(func() error { return nil }),
		Ping:        func(context.Context) error { return nil },
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// CollectionRepo implements store.CollectionRepository in memory.
type CollectionRepo struct {
	mu    sync.RWMutex
	clk   clock.Clock
	byID  map[string]store.Collection
	order []string
}

// NewCollectionRepo returns an empty CollectionRepo.
func NewCollectionRepo(clk clock.Clock) *CollectionRepo {
	return &CollectionRepo{clk: clk, byID: make(map[string]store.Collection)}
}

func (r *CollectionRepo) Create(_ context.Context, c *store.Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.Address]; exists {
		return fmt.Errorf("collection %s already exists", c.Address)
	}
	c.CreatedAt = r.clk.Now().UTC()
	r.byID[c.Address] = *c
	r.order = append(r.order, c.Address)
	return nil
}

func (r *CollectionRepo) GetByAddress(_ context.Context, address string) (*store.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[address]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", address)
	}
	return &c, nil
}

func (r *CollectionRepo) List(_ context.Context) ([]store.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Collection, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.byID[addr])
	}
	return out, nil
}

type itemKey struct {
	collection string
	tokenID    uint64
}

// ItemRepo implements store.ItemRepository in memory.
type ItemRepo struct {
	mu    sync.RWMutex
	clk   clock.Clock
	byKey map[itemKey]store.Item
	order []itemKey
}

// NewItemRepo returns an empty ItemRepo.
func NewItemRepo(clk clock.Clock) *ItemRepo {
	return &ItemRepo{clk: clk, byKey: make(map[itemKey]store.Item)}
}

func (r *ItemRepo) Upsert(_ context.Context, it *store.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := itemKey{it.Collection, it.TokenID}
	if _, exists := r.byKey[key]; !exists {
		r.order = append(r.order, key)
	}
	it.UpdatedAt = r.clk.Now().UTC()
	r.byKey[key] = *it
	return nil
}

func (r *ItemRepo) Get(_ context.Context, collection string, tokenID uint64) (*store.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.byKey[itemKey{collection, tokenID}]
	if !ok {
		return nil, fmt.Errorf("item %s/%d not found", collection, tokenID)
	}
	return &it, nil
}

func (r *ItemRepo) List(_ context.Context) ([]store.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Item, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out, nil
}

func (r *ItemRepo) ListOnSale(_ context.Context) ([]store.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.Item
	for _, key := range r.order {
		if it := r.byKey[key]; it.OnSale {
			out = append(out, it)
		}
	}
	return out, nil
}

// EventStore implements event.Store in memory.
type EventStore struct {
	mu     sync.RWMutex
	clk    clock.Clock
	events []event.Event
}

// NewEventStore returns an empty EventStore.
func NewEventStore(clk clock.Clock) *EventStore {
	return &EventStore{clk: clk}
}

func (s *EventStore) Append(_ context.Context, events ...event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.clk.Now().UTC()
		}
		s.events = append(s.events, e)
	}
	return nil
}

func (s *EventStore) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *EventStore) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []event.Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}
