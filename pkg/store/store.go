// Package store holds the ordered, observable collection of upload entries that the
// orchestrator drives and the UI renders.
package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/menuadmin/imageupload/pkg/errors"
)

// DefaultMaxEntries is the per-owner image limit.
const DefaultMaxEntries = 5

// Store is an insertion-ordered set of entries with merge-update semantics.
// Every mutation is atomic per entry and is published to subscribers in order.
type Store struct {
	max int

	mu      sync.Mutex
	order   []string
	entries map[string]*Entry
	retired map[string]struct{}

	// notifyMu serializes delivery so subscribers observe mutations in commit order.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(Event)
	nextSub  int
}

// New creates a Store holding at most max entries.
func New(max int) *Store {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Store{
		max:     max,
		entries: make(map[string]*Entry),
		retired: make(map[string]struct{}),
		subs:    make(map[int]func(Event)),
	}
}

// Max returns the configured capacity.
func (s *Store) Max() int {
	return s.max
}

// Len returns the number of tracked entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Insert appends entries in order. The batch is admitted in full or not at all.
func (s *Store) Insert(entries ...Entry) error {
	s.mu.Lock()

	if len(s.order)+len(entries) > s.max {
		n := len(s.order)
		s.mu.Unlock()
		slog.Warn("store_capacity_exceeded", "tracked", n, "requested", len(entries), "max", s.max)
		return fmt.Errorf("%w: max %d images allowed", errors.ErrCapacityExceeded, s.max)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			s.mu.Unlock()
			return fmt.Errorf("%w: empty id", errors.ErrDuplicateID)
		}
		_, tracked := s.entries[e.ID]
		_, retired := s.retired[e.ID]
		_, dup := seen[e.ID]
		if tracked || retired || dup {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", errors.ErrDuplicateID, e.ID)
		}
		seen[e.ID] = struct{}{}
	}

	events := make([]Event, 0, len(entries))
	for _, e := range entries {
		stored := e.clone()
		s.entries[e.ID] = &stored
		s.order = append(s.order, e.ID)
		events = append(events, Event{Kind: EventInserted, Entry: stored.clone()})
	}

	s.publishLocked(events...)
	return nil
}

// Update applies fn to the entry with the given id as one read-modify-write.
// If fn returns an error the entry is left unchanged and the error is returned.
// ErrorMessage is cleared whenever the state leaves StateError.
func (s *Store) Update(id string, fn func(*Entry) error) (Entry, error) {
	s.mu.Lock()

	cur, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", errors.ErrNotFound, id)
	}

	next := cur.clone()
	if err := fn(&next); err != nil {
		prev := cur.clone()
		s.mu.Unlock()
		return prev, err
	}
	next.ID = cur.ID
	if next.State != StateError {
		next.ErrorMessage = ""
	}

	*cur = next
	out := next.clone()
	s.publishLocked(Event{Kind: EventUpdated, Entry: out})
	return out, nil
}

// Remove drops the entry. Its id is retired and can never be inserted again.
func (s *Store) Remove(id string) (Entry, bool) {
	s.mu.Lock()

	cur, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false
	}
	return s.removeLocked(cur), true
}

// RemoveIf drops the entry only if pred accepts its current state. The
// check and the removal happen under one lock; a pred error is returned and
// the entry stays.
func (s *Store) RemoveIf(id string, pred func(Entry) error) (Entry, error) {
	s.mu.Lock()

	cur, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Entry{}, fmt.Errorf("%w: %s", errors.ErrNotFound, id)
	}
	if err := pred(cur.clone()); err != nil {
		s.mu.Unlock()
		return Entry{}, err
	}
	return s.removeLocked(cur), nil
}

// removeLocked is called with s.mu held and releases it.
func (s *Store) removeLocked(cur *Entry) Entry {
	id := cur.ID
	delete(s.entries, id)
	s.retired[id] = struct{}{}
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	out := cur.clone()
	s.publishLocked(Event{Kind: EventRemoved, Entry: out})
	return out
}

// Get returns a copy of the entry.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Contains reports whether id is tracked or was tracked before.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, tracked := s.entries[id]
	_, retired := s.retired[id]
	return tracked || retired
}

// List returns copies of all entries in insertion order.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].clone())
	}
	return out
}

// Subscribe registers fn for every subsequent mutation. Delivery is synchronous;
// fn must not mutate the Store. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// publishLocked must be called with s.mu held; it releases s.mu.
func (s *Store) publishLocked(events ...Event) {
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
