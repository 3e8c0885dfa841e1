package activitypub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// Deduplicator remembers which activity ids were applied. InsertIfAbsent is an atomic check and
// set: of two concurrent calls with the same id exactly one succeeds, the other gets
// ErrAlreadyProcessed.
type Deduplicator interface {
	InsertIfAbsent(ctx context.Context, activityID string) error
	// Remove forgets an id whose effects could not be applied, so a retry is processed again.
	Remove(ctx context.Context, activityID string) error
}

// StoreDeduplicator keeps received ids in the database. Uniqueness comes from the primary key.
type StoreDeduplicator struct {
	store ReceivedActivityStore
	now   func() time.Time
}

func NewStoreDeduplicator(store ReceivedActivityStore, now func() time.Time) *StoreDeduplicator {
	if now == nil {
		now = time.Now
	}
	return &StoreDeduplicator{store: store, now: now}
}

func (d *StoreDeduplicator) InsertIfAbsent(ctx context.Context, activityID string) error {
	err := d.store.InsertReceivedActivity(activityID, d.now())
	if errors.Is(err, domain.ErrAlreadyExists) {
		return ErrAlreadyProcessed
	}
	return err
}

func (d *StoreDeduplicator) Remove(ctx context.Context, activityID string) error {
	return d.store.DeleteReceivedActivity(activityID)
}

// Prune drops ids older than retention.
func (d *StoreDeduplicator) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return d.store.PruneReceivedActivities(d.now().Add(-retention))
}

// MemoryDeduplicator is a process local deduplicator for single node setups and tests.
type MemoryDeduplicator struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

func NewMemoryDeduplicator(retention time.Duration, now func() time.Time) *MemoryDeduplicator {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduplicator{seen: make(map[string]time.Time), retention: retention, now: now}
}

func (d *MemoryDeduplicator) InsertIfAbsent(ctx context.Context, activityID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[activityID]; ok && (d.retention <= 0 || now.Sub(at) < d.retention) {
		return ErrAlreadyProcessed
	}
	d.seen[activityID] = now
	return nil
}

func (d *MemoryDeduplicator) Remove(ctx context.Context, activityID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, activityID)
	return nil
}

func (d *MemoryDeduplicator) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-retention)
	var n int64
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
			n++
		}
	}
	return n, nil
}

func (d *MemoryDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// inFlight tracks activity ids being applied by this process. Later copies of the same id wait
// for the first one instead of being answered as duplicates of work that may still fail.
type inFlight struct {
	mu  sync.Mutex
	ids map[string]*flight
}

type flight struct {
	done chan struct{}
	// released is set when the first copy gave its id back and a waiter should claim it.
	released bool
}

// claim returns the flight for id and whether the caller owns it.
func (s *inFlight) claim(id string) (*flight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fl, ok := s.ids[id]; ok {
		return fl, false
	}
	if s.ids == nil {
		s.ids = make(map[string]*flight)
	}
	fl := &flight{done: make(chan struct{})}
	s.ids[id] = fl
	return fl, true
}

func (s *inFlight) finish(id string, fl *flight, released bool) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
	fl.released = released
	close(fl.done)
}
