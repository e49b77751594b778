package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idle(id string) Entry {
	return Entry{ID: id, State: StateIdle, LocalFile: []byte("x"), ContentLength: 1, ContentType: "image/png"}
}

func TestInsert_KeepsOrder(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Insert(idle("a"), idle("b")))
	require.NoError(t, s.Insert(idle("c")))

	var ids []string
	for _, e := range s.List() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 3, s.Len())
}

func TestInsert_RejectsWholeBatchOverCapacity(t *testing.T) {
	s := New(3)
	require.NoError(t, s.Insert(idle("a"), idle("b")))

	err := s.Insert(idle("c"), idle("d"))
	require.ErrorIs(t, err, errors.ErrCapacityExceeded)
	assert.Equal(t, 2, s.Len(), "no partial admission")

	require.NoError(t, s.Insert(idle("c")))
}

func TestInsert_RejectsDuplicateAndRetiredIDs(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Insert(idle("a")))

	require.ErrorIs(t, s.Insert(idle("a")), errors.ErrDuplicateID)
	require.ErrorIs(t, s.Insert(idle("b"), idle("b")), errors.ErrDuplicateID)

	_, ok := s.Remove("a")
	require.True(t, ok)
	require.ErrorIs(t, s.Insert(idle("a")), errors.ErrDuplicateID, "ids are never reused")
	assert.True(t, s.Contains("a"))
}

func TestRemoveIf(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Insert(idle("a")))

	onlyFailed := func(e Entry) error {
		if e.State != StateError {
			return fmt.Errorf("%w: entry is %s", errors.ErrInvalidState, e.State)
		}
		return nil
	}

	_, err := s.RemoveIf("a", onlyFailed)
	require.ErrorIs(t, err, errors.ErrInvalidState)
	assert.Equal(t, 1, s.Len(), "rejected removal keeps the entry")

	_, err = s.Update("a", func(e *Entry) error {
		e.State = StateError
		return nil
	})
	require.NoError(t, err)

	removed, err := s.RemoveIf("a", onlyFailed)
	require.NoError(t, err)
	assert.Equal(t, StateError, removed.State)
	assert.Equal(t, 0, s.Len())
	require.ErrorIs(t, s.Insert(idle("a")), errors.ErrDuplicateID)

	_, err = s.RemoveIf("missing", onlyFailed)
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestUpdate_MergesAndClearsErrorMessage(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Insert(idle("a")))

	e, err := s.Update("a", func(e *Entry) error {
		e.State = StateError
		e.ErrorMessage = "boom"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "boom", e.ErrorMessage)

	e, err = s.Update("a", func(e *Entry) error {
		e.State = StateIdle
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, e.ErrorMessage)
	assert.Equal(t, "image/png", e.ContentType, "untouched fields survive")
}

func TestUpdate_FnErrorLeavesEntryUntouched(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Insert(idle("a")))

	events := 0
	s.Subscribe(func(Event) { events++ })

	sentinel := fmt.Errorf("nope")
	_, err := s.Update("a", func(e *Entry) error {
		e.State = StateCompleted
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, _ := s.Get("a")
	assert.Equal(t, StateIdle, got.State)
	assert.Zero(t, events)
}

func TestUpdate_UnknownID(t *testing.T) {
	s := New(5)
	_, err := s.Update("missing", func(*Entry) error { return nil })
	require.ErrorIs(t, err, errors.ErrNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New(5)
	e := idle("a")
	e.Credential = &Credential{ObjectKey: "k1"}
	require.NoError(t, s.Insert(e))

	got, ok := s.Get("a")
	require.True(t, ok)
	got.Credential.ObjectKey = "mutated"

	again, _ := s.Get("a")
	assert.Equal(t, "k1", again.ObjectKey())
}

func TestSubscribe_DeliversInOrder(t *testing.T) {
	s := New(5)

	var kinds []EventKind
	unsubscribe := s.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })

	require.NoError(t, s.Insert(idle("a")))
	_, err := s.Update("a", func(e *Entry) error { e.State = StateGeneratingURL; return nil })
	require.NoError(t, err)
	s.Remove("a")

	unsubscribe()
	require.NoError(t, s.Insert(idle("b")))

	assert.Equal(t, []EventKind{EventInserted, EventUpdated, EventRemoved}, kinds)
}

func TestUpdate_ConcurrentWritersAreAtomic(t *testing.T) {
	s := New(5)
	require.NoError(t, s.Insert(Entry{ID: "a", State: StateIdle}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update("a", func(e *Entry) error {
				e.Position++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get("a")
	assert.Equal(t, 100, got.Position)
}

func TestState_InFlight(t *testing.T) {
	for _, st := range []State{StateIdle, StateGeneratingURL, StateUploading, StateAttaching, StateDeleting} {
		assert.True(t, st.InFlight(), st)
	}
	for _, st := range []State{StateCompleted, StateError, StateCancelled} {
		assert.False(t, st.InFlight(), st)
	}
}

func TestEntry_RemoteRef(t *testing.T) {
	assert.Equal(t, "local", Entry{ID: "local"}.RemoteRef())
	assert.Equal(t, "srv", Entry{ID: "local", RemoteID: "srv"}.RemoteRef())
}
