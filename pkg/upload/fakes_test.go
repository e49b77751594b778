package upload

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/menuadmin/imageupload/pkg/backend"
	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/security"
	"github.com/menuadmin/imageupload/pkg/storage"
	"github.com/menuadmin/imageupload/pkg/store"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

// fakeBackend is an in-memory backend.Client.
type fakeBackend struct {
	backend.Client

	mu            sync.Mutex
	negotiateErr  func(contentType string) error
	omitUploadURL bool
	attachErr     error
	deleteErr     error
	listed        []backend.AttachedImage
	attached      []backend.AttachRequest
	deleted       []string
	negotiations  int
	nextID        int
}

func (f *fakeBackend) NegotiateUpload(ctx context.Context, ownerID, contentType string, contentLength int64) (*backend.UploadTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.negotiations++
	if f.negotiateErr != nil {
		if err := f.negotiateErr(contentType); err != nil {
			return nil, err
		}
	}
	f.nextID++
	key := fmt.Sprintf("menu-items/%s/obj-%d", ownerID, f.nextID)
	ticket := &backend.UploadTicket{
		UploadURL: "https://storage.test/" + key + "?sig=1",
		Key:       key,
		URL:       "https://storage.test/" + key,
	}
	if f.omitUploadURL {
		ticket.UploadURL = ""
	}
	return ticket, nil
}

func (f *fakeBackend) AttachObject(ctx context.Context, ownerID string, req backend.AttachRequest) (*backend.AttachedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	f.attached = append(f.attached, req)
	f.nextID++
	return &backend.AttachedImage{
		ID:        fmt.Sprintf("img-%d", f.nextID),
		Key:       req.Key,
		URL:       req.URL,
		IsPrimary: req.IsPrimary,
		Position:  len(f.attached) - 1,
	}, nil
}

func (f *fakeBackend) DeleteObject(ctx context.Context, ownerID, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, imageID)
	return nil
}

func (f *fakeBackend) ListImages(ctx context.Context, ownerID string) ([]backend.AttachedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) attachRequests() []backend.AttachRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.AttachRequest(nil), f.attached...)
}

func (f *fakeBackend) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// fakeTransfer records puts and can hold them until released.
type fakeTransfer struct {
	mu    sync.Mutex
	gate  chan struct{}
	err   error
	bytes map[string]int
}

func (f *fakeTransfer) Put(ctx context.Context, uploadURL, contentType string, body []byte) (*storage.PutResult, error) {
	f.mu.Lock()
	gate, failure := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", errors.ErrCancelled, ctx.Err())
		}
	}
	if failure != nil {
		return nil, failure
	}

	f.mu.Lock()
	if f.bytes == nil {
		f.bytes = make(map[string]int)
	}
	f.bytes[uploadURL] = len(body)
	f.mu.Unlock()
	return &storage.PutResult{StatusCode: 200, Size: int64(len(body))}, nil
}

// hold makes subsequent puts block until the returned func is called.
func (f *fakeTransfer) hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.gate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// recorder collects the distinct state sequence of every entry.
type recorder struct {
	mu     sync.Mutex
	states map[string][]store.State
	kinds  map[string][]store.EventKind
}

func record(st *store.Store) *recorder {
	r := &recorder{
		states: make(map[string][]store.State),
		kinds:  make(map[string][]store.EventKind),
	}
	st.Subscribe(func(ev store.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		id := ev.Entry.ID
		r.kinds[id] = append(r.kinds[id], ev.Kind)
		seq := r.states[id]
		if len(seq) == 0 || seq[len(seq)-1] != ev.Entry.State {
			r.states[id] = append(seq, ev.Entry.State)
		}
	})
	return r
}

func (r *recorder) statesOf(id string) []store.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.State(nil), r.states[id]...)
}

func (r *recorder) kindsOf(id string) []store.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.EventKind(nil), r.kinds[id]...)
}

type harness struct {
	orch     *Orchestrator
	store    *store.Store
	backend  *fakeBackend
	transfer *fakeTransfer
	rec      *recorder
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()

	h := &harness{
		store:    store.New(store.DefaultMaxEntries),
		backend:  &fakeBackend{},
		transfer: &fakeTransfer{},
	}
	h.rec = record(h.store)

	cfg := Config{
		OwnerID:   "item-1",
		Store:     h.store,
		Validator: security.NewValidator(security.DefaultMaxFileSize, nil),
		Backend:   h.backend,
		Transfer:  h.transfer,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(orch.Close)
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx))
}

func (h *harness) entry(t *testing.T, id string) store.Entry {
	t.Helper()
	e, ok := h.store.Get(id)
	require.True(t, ok, "entry %s not tracked", id)
	return e
}

// waitState polls until the entry reaches want.
func (h *harness) waitState(t *testing.T, id string, want store.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := h.store.Get(id)
		return ok && e.State == want
	}, 2*time.Second, 5*time.Millisecond, "entry %s never reached %s", id, want)
}

func (h *harness) activeTokens() int {
	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	return len(h.orch.cancels)
}

func png(name string, size int) File {
	return File{Name: name, ContentType: "image/png", Data: make([]byte, size)}
}
