package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/menuadmin/imageupload/pkg/backend"
	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fullPipeline = []store.State{
	store.StateIdle,
	store.StateGeneratingURL,
	store.StateUploading,
	store.StateAttaching,
	store.StateCompleted,
}

func TestAddFiles_SinglePNGCompletes(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.AddFiles([]File{png("dish.png", 2*mib)})
	require.NoError(t, err)
	require.Len(t, res.Added, 1)
	assert.Empty(t, res.Rejected)
	h.wait(t)

	id := res.Added[0]
	e := h.entry(t, id)
	assert.Equal(t, store.StateCompleted, e.State)
	assert.Nil(t, e.LocalFile)
	assert.True(t, e.IsPrimary)
	assert.NotEmpty(t, e.RemoteID)
	assert.Empty(t, e.ErrorMessage)
	assert.Empty(t, e.Credential.UploadURL)
	assert.NotEmpty(t, e.ObjectKey())
	assert.Equal(t, fullPipeline, h.rec.statesOf(id))
	assert.Equal(t, 0, h.activeTokens())
}

func TestAddFiles_CapacityRejectsWholeBatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.AddFiles([]File{png("1.png", 10), png("2.png", 10), png("3.png", 10)})
	require.NoError(t, err)
	h.wait(t)

	res, err := h.orch.AddFiles([]File{png("4.png", 10), png("5.png", 10), png("6.png", 10)})
	assert.ErrorIs(t, err, errors.ErrCapacityExceeded)
	assert.Empty(t, res.Added)
	assert.Equal(t, 3, h.store.Len())

	_, err = h.orch.AddFiles([]File{png("4.png", 10), png("5.png", 10)})
	require.NoError(t, err)
	h.wait(t)
	assert.Equal(t, 5, h.store.Len())
}

func TestAddFiles_CountsInvalidFilesTowardsBatch(t *testing.T) {
	h := newHarness(t)

	files := make([]File, 0, 6)
	for i := 0; i < 5; i++ {
		files = append(files, png(fmt.Sprintf("%d.png", i), 10))
	}
	files = append(files, File{Name: "x.gif", ContentType: "image/gif", Data: []byte("x")})

	_, err := h.orch.AddFiles(files)
	assert.ErrorIs(t, err, errors.ErrCapacityExceeded)
	assert.Equal(t, 0, h.store.Len())
}

func TestAddFiles_InvalidFilesAreDropped(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.AddFiles([]File{
		{Name: "anim.gif", ContentType: "image/gif", Data: make([]byte, 10)},
		{Name: "huge.jpg", ContentType: "image/jpeg", Data: make([]byte, 6*mib)},
		{Name: "ok.webp", ContentType: "image/webp", Data: make([]byte, 2*mib)},
	})
	require.NoError(t, err)
	h.wait(t)

	require.Len(t, res.Added, 1)
	require.Len(t, res.Rejected, 2)
	for _, r := range res.Rejected {
		assert.ErrorIs(t, r.Err, errors.ErrValidation, r.Name)
	}
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, store.StateCompleted, h.entry(t, res.Added[0]).State)
}

func TestNegotiate_MissingUploadURL(t *testing.T) {
	h := newHarness(t)
	h.backend.set(func(f *fakeBackend) { f.omitUploadURL = true })

	res, err := h.orch.AddFiles([]File{png("dish.png", 1024)})
	require.NoError(t, err)
	h.wait(t)

	id := res.Added[0]
	e := h.entry(t, id)
	assert.Equal(t, store.StateError, e.State)
	assert.Contains(t, e.ErrorMessage, "invalid signed URL response")
	assert.NotNil(t, e.LocalFile)

	h.backend.set(func(f *fakeBackend) { f.omitUploadURL = false })
	require.NoError(t, h.orch.Retry(id))
	h.wait(t)

	e = h.entry(t, id)
	assert.Equal(t, store.StateCompleted, e.State)
	assert.Empty(t, e.ErrorMessage)
	assert.Nil(t, e.LocalFile)
}

func TestRetry_RequiresLocalFileOrCompleted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Insert(store.Entry{
		ID:           "orphan",
		State:        store.StateError,
		ErrorMessage: "boom",
	}))

	err := h.orch.Retry("orphan")
	assert.ErrorIs(t, err, errors.ErrRetryNotAllowed)

	e := h.entry(t, "orphan")
	assert.Equal(t, store.StateError, e.State)
	assert.Equal(t, "boom", e.ErrorMessage)

	assert.ErrorIs(t, h.orch.Retry("missing"), errors.ErrNotFound)
}

func TestRetry_CompletedEntryIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1", IsPrimary: true}}))

	require.NoError(t, h.orch.Retry("img-1"))
	h.wait(t)

	assert.Equal(t, store.StateCompleted, h.entry(t, "img-1").State)
	assert.Equal(t, 0, h.backend.negotiations)
}

func TestRetry_RejectedWhileInFlight(t *testing.T) {
	h := newHarness(t)
	release := h.transfer.hold()
	defer release()

	res, err := h.orch.AddFiles([]File{png("dish.png", 10)})
	require.NoError(t, err)
	id := res.Added[0]
	h.waitState(t, id, store.StateUploading)

	assert.ErrorIs(t, h.orch.Retry(id), errors.ErrInvalidState)
	release()
	h.wait(t)
	assert.Equal(t, store.StateCompleted, h.entry(t, id).State)
}

func TestFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.backend.set(func(f *fakeBackend) {
		f.negotiateErr = func(contentType string) error {
			if contentType == "image/webp" {
				return backend.ErrUnavailable
			}
			return nil
		}
	})

	res, err := h.orch.AddFiles([]File{
		png("a.png", 100),
		{Name: "b.webp", ContentType: "image/webp", Data: make([]byte, 100)},
		png("c.png", 100),
	})
	require.NoError(t, err)
	h.wait(t)

	a, b, c := res.Added[0], res.Added[1], res.Added[2]
	assert.Equal(t, store.StateError, h.entry(t, b).State)
	assert.Equal(t, fullPipeline, h.rec.statesOf(a))
	assert.Equal(t, fullPipeline, h.rec.statesOf(c))
	assert.NotContains(t, h.rec.statesOf(a), store.StateError)
	assert.NotContains(t, h.rec.statesOf(c), store.StateError)
}

func TestTransferFailure_Retryable(t *testing.T) {
	h := newHarness(t)
	h.transfer.err = fmt.Errorf("upload failed with status 500")

	res, err := h.orch.AddFiles([]File{png("dish.png", 100)})
	require.NoError(t, err)
	h.wait(t)

	id := res.Added[0]
	e := h.entry(t, id)
	assert.Equal(t, store.StateError, e.State)
	assert.Equal(t, "upload failed with status 500", e.ErrorMessage)
	assert.NotNil(t, e.LocalFile)
	assert.Equal(t, 0, h.activeTokens())

	h.transfer.mu.Lock()
	h.transfer.err = nil
	h.transfer.mu.Unlock()

	require.NoError(t, h.orch.Retry(id))
	h.wait(t)
	assert.Equal(t, store.StateCompleted, h.entry(t, id).State)
	assert.Equal(t, 2, h.backend.negotiations)
}

func TestAttachFailure_RetainsLocalFile(t *testing.T) {
	h := newHarness(t)
	h.backend.set(func(f *fakeBackend) { f.attachErr = &backend.APIError{StatusCode: 500, Message: "db down"} })

	res, err := h.orch.AddFiles([]File{png("dish.png", 100)})
	require.NoError(t, err)
	h.wait(t)

	id := res.Added[0]
	e := h.entry(t, id)
	assert.Equal(t, store.StateError, e.State)
	assert.Contains(t, e.ErrorMessage, "db down")
	assert.NotNil(t, e.LocalFile)
	assert.Equal(t, []store.State{
		store.StateIdle, store.StateGeneratingURL, store.StateUploading, store.StateAttaching, store.StateError,
	}, h.rec.statesOf(id))

	h.backend.set(func(f *fakeBackend) { f.attachErr = nil })
	require.NoError(t, h.orch.Retry(id))
	h.wait(t)
	assert.Equal(t, store.StateCompleted, h.entry(t, id).State)
}

func TestCancelUpload_RemovesEntryAndFreesSlot(t *testing.T) {
	h := newHarness(t)
	release := h.transfer.hold()

	files := make([]File, 0, 5)
	for i := 0; i < 5; i++ {
		files = append(files, png(fmt.Sprintf("%d.png", i), 10))
	}
	res, err := h.orch.AddFiles(files)
	require.NoError(t, err)
	id := res.Added[2]

	h.waitState(t, id, store.StateUploading)
	require.NoError(t, h.orch.CancelUpload(id))

	_, tracked := h.store.Get(id)
	assert.False(t, tracked)
	assert.Equal(t, []store.State{
		store.StateIdle, store.StateGeneratingURL, store.StateUploading, store.StateError,
	}, h.rec.statesOf(id))
	kinds := h.rec.kindsOf(id)
	assert.Equal(t, store.EventRemoved, kinds[len(kinds)-1])

	release()
	h.wait(t)
	assert.Equal(t, 0, h.activeTokens())

	more, err := h.orch.AddFiles([]File{png("again.png", 10)})
	require.NoError(t, err)
	h.wait(t)
	assert.Equal(t, store.StateCompleted, h.entry(t, more.Added[0]).State)
	assert.Equal(t, 5, h.store.Len())
}

func TestCancelUpload_KeepCancelled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.KeepCancelled = true })
	release := h.transfer.hold()

	res, err := h.orch.AddFiles([]File{png("dish.png", 10)})
	require.NoError(t, err)
	id := res.Added[0]

	h.waitState(t, id, store.StateUploading)
	require.NoError(t, h.orch.CancelUpload(id))
	h.wait(t)

	e := h.entry(t, id)
	assert.Equal(t, store.StateCancelled, e.State)
	assert.NotNil(t, e.LocalFile)
	assert.Equal(t, 0, h.activeTokens())

	release()
	require.NoError(t, h.orch.Retry(id))
	h.wait(t)
	assert.Equal(t, store.StateCompleted, h.entry(t, id).State)
}

func TestCancelUpload_OnlyWhileUploading(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1"}}))

	assert.ErrorIs(t, h.orch.CancelUpload("img-1"), errors.ErrInvalidState)
	assert.ErrorIs(t, h.orch.CancelUpload("missing"), errors.ErrNotFound)
	assert.Equal(t, store.StateCompleted, h.entry(t, "img-1").State)
}

func TestReplace_RemoteDeleteFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1", IsPrimary: true}}))
	h.backend.set(func(f *fakeBackend) { f.deleteErr = backend.ErrUnavailable })

	err := h.orch.Replace(context.Background(), "img-1", png("new.png", 100))
	assert.ErrorIs(t, err, backend.ErrUnavailable)
	h.wait(t)

	e := h.entry(t, "img-1")
	assert.Equal(t, store.StateCompleted, e.State)
	assert.Equal(t, "k1", e.ObjectKey())
	assert.True(t, e.IsPrimary)
	assert.Nil(t, e.LocalFile)
	assert.Equal(t, []store.State{store.StateCompleted, store.StateDeleting, store.StateCompleted}, h.rec.statesOf("img-1"))
}

func TestReplace_RebindsAndReuploads(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1", IsPrimary: true}}))

	require.NoError(t, h.orch.Replace(context.Background(), "img-1", png("new.png", 100)))
	h.wait(t)

	e := h.entry(t, "img-1")
	assert.Equal(t, store.StateCompleted, e.State)
	assert.NotEqual(t, "k1", e.ObjectKey())
	assert.Equal(t, "new.png", e.FileName)
	assert.Nil(t, e.LocalFile)
	assert.True(t, e.IsPrimary)
	assert.Equal(t, []string{"img-1"}, h.backend.deletedIDs())
	assert.Equal(t, append([]store.State{store.StateCompleted, store.StateDeleting}, fullPipeline...), h.rec.statesOf("img-1"))
}

func TestReplace_InvalidFile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1"}}))

	err := h.orch.Replace(context.Background(), "img-1", File{Name: "x.gif", ContentType: "image/gif", Data: []byte("x")})
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Empty(t, h.backend.deletedIDs())
	assert.Equal(t, []store.State{store.StateCompleted}, h.rec.statesOf("img-1"))
}

func TestReplace_RequiresCompleted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Insert(store.Entry{ID: "e1", State: store.StateError, LocalFile: []byte("x")}))

	err := h.orch.Replace(context.Background(), "e1", png("new.png", 10))
	assert.ErrorIs(t, err, errors.ErrInvalidState)
	assert.Empty(t, h.backend.deletedIDs())
}

func TestDelete(t *testing.T) {
	t.Run("completed entry is deleted remotely", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1"}}))

		require.NoError(t, h.orch.Delete(context.Background(), "img-1"))
		assert.Equal(t, 0, h.store.Len())
		assert.Equal(t, []string{"img-1"}, h.backend.deletedIDs())
	})

	t.Run("remote failure leaves entry untouched", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1"}}))
		h.backend.set(func(f *fakeBackend) { f.deleteErr = &backend.APIError{StatusCode: 403} })

		err := h.orch.Delete(context.Background(), "img-1")
		assert.ErrorIs(t, err, backend.ErrUnauthorized)
		e := h.entry(t, "img-1")
		assert.Equal(t, store.StateCompleted, e.State)
		assert.Equal(t, "k1", e.ObjectKey())
	})

	t.Run("failed entry is dropped locally", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.store.Insert(store.Entry{ID: "e1", State: store.StateError, LocalFile: []byte("x")}))

		require.NoError(t, h.orch.Delete(context.Background(), "e1"))
		assert.Equal(t, 0, h.store.Len())
		assert.Empty(t, h.backend.deletedIDs())
	})

	t.Run("in-flight entry is rejected", func(t *testing.T) {
		h := newHarness(t)
		release := h.transfer.hold()
		defer release()

		res, err := h.orch.AddFiles([]File{png("dish.png", 10)})
		require.NoError(t, err)
		id := res.Added[0]
		h.waitState(t, id, store.StateUploading)

		assert.ErrorIs(t, h.orch.Delete(context.Background(), id), errors.ErrInvalidState)
	})

	t.Run("unknown entry", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.orch.Delete(context.Background(), "nope"), errors.ErrNotFound)
	})
}

func TestAttach_PrimaryFollowsStoreOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1", IsPrimary: true}}))

	res, err := h.orch.AddFiles([]File{png("a.png", 10), png("b.png", 10)})
	require.NoError(t, err)
	h.wait(t)

	for _, req := range h.backend.attachRequests() {
		assert.False(t, req.IsPrimary, req.Key)
	}
	for _, id := range res.Added {
		assert.False(t, h.entry(t, id).IsPrimary)
	}
}

func TestAttach_AtMostOnePrimaryInFreshBatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.AddFiles([]File{png("a.png", 10), png("b.png", 10), png("c.png", 10)})
	require.NoError(t, err)
	h.wait(t)

	primaries := 0
	for _, req := range h.backend.attachRequests() {
		if req.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
	assert.True(t, h.store.List()[0].IsPrimary)
}

func TestStateReachability(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	seen := map[string]map[store.State]bool{}
	h.store.Subscribe(func(ev store.Event) {
		mu.Lock()
		defer mu.Unlock()
		id := ev.Entry.ID
		if seen[id] == nil {
			seen[id] = map[store.State]bool{}
		}
		switch ev.Entry.State {
		case store.StateAttaching:
			assert.True(t, seen[id][store.StateUploading], "attaching before uploading")
		case store.StateCompleted:
			if ev.Kind != store.EventInserted {
				assert.True(t, seen[id][store.StateAttaching], "completed before attaching")
			}
		}
		seen[id][ev.Entry.State] = true
	})

	require.NoError(t, h.orch.Hydrate([]backend.AttachedImage{{ID: "img-1", Key: "k1", URL: "u1"}}))
	_, err := h.orch.AddFiles([]File{png("a.png", 10), png("b.png", 10), png("c.png", 10), png("d.png", 10)})
	require.NoError(t, err)
	h.wait(t)

	for _, e := range h.orch.Entries() {
		assert.Equal(t, store.StateCompleted, e.State)
	}
}

func TestLoad_HydratesInPositionOrder(t *testing.T) {
	h := newHarness(t)
	h.backend.set(func(f *fakeBackend) {
		f.listed = []backend.AttachedImage{
			{ID: "b", Key: "kb", URL: "ub", Position: 1},
			{ID: "a", Key: "ka", URL: "ua", Position: 0, IsPrimary: true},
		}
	})

	require.NoError(t, h.orch.Load(context.Background()))
	require.NoError(t, h.orch.Load(context.Background()))

	entries := h.orch.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, store.StateCompleted, entries[0].State)
	assert.Equal(t, "image/jpeg", entries[0].ContentType)
	assert.Nil(t, entries[0].LocalFile)
	assert.True(t, entries[0].IsPrimary)
	assert.Equal(t, "ka", entries[0].ObjectKey())
}

func TestLoad_TruncatesAtCapacity(t *testing.T) {
	h := newHarness(t)
	var listed []backend.AttachedImage
	for i := 5; i >= 0; i-- {
		id := fmt.Sprintf("img-%d", i)
		listed = append(listed, backend.AttachedImage{ID: id, Key: "k-" + id, URL: "u-" + id, Position: i})
	}
	h.backend.set(func(f *fakeBackend) { f.listed = listed })

	require.NoError(t, h.orch.Load(context.Background()))

	var ids []string
	for _, e := range h.orch.Entries() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"img-0", "img-1", "img-2", "img-3", "img-4"}, ids)

	require.NoError(t, h.orch.Delete(context.Background(), "img-0"))
	assert.Equal(t, []string{"img-0"}, h.backend.deletedIDs())

	h.backend.set(func(f *fakeBackend) { f.listed = listed[:5] })
	require.NoError(t, h.orch.Load(context.Background()))
	assert.Equal(t, store.StateCompleted, h.entry(t, "img-5").State)
	assert.Equal(t, 5, h.store.Len())
}

func TestAddFiles_AfterClose(t *testing.T) {
	h := newHarness(t)
	h.orch.Close()

	_, err := h.orch.AddFiles([]File{png("a.png", 10)})
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestClose_AbortsRunningTransfers(t *testing.T) {
	h := newHarness(t)
	release := h.transfer.hold()
	defer release()

	res, err := h.orch.AddFiles([]File{png("a.png", 10)})
	require.NoError(t, err)
	id := res.Added[0]
	h.waitState(t, id, store.StateUploading)

	h.orch.Close()

	e := h.entry(t, id)
	assert.Equal(t, store.StateError, e.State)
	assert.Equal(t, "upload cancelled", e.ErrorMessage)
	assert.Equal(t, 0, h.activeTokens())
}

type countingObserver struct {
	mu       sync.Mutex
	stages   map[string]int
	failures map[string]int
	bytes    int64
}

func (c *countingObserver) ObserveStage(stage string, _ time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages[stage]++
	if err != nil {
		c.failures[stage]++
	}
}

func (c *countingObserver) ObserveTransferBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes += n
}

func TestObserverSeesStages(t *testing.T) {
	obs := &countingObserver{stages: map[string]int{}, failures: map[string]int{}}
	h := newHarness(t, func(c *Config) { c.Observer = obs })
	h.backend.set(func(f *fakeBackend) { f.attachErr = backend.ErrUnavailable })

	_, err := h.orch.AddFiles([]File{png("a.png", 64)})
	require.NoError(t, err)
	h.wait(t)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.stages[StageNegotiate])
	assert.Equal(t, 1, obs.stages[StageTransfer])
	assert.Equal(t, 1, obs.stages[StageAttach])
	assert.Equal(t, 1, obs.failures[StageAttach])
	assert.Equal(t, 0, obs.failures[StageNegotiate])
	assert.Equal(t, int64(64), obs.bytes)
}
