package upload

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/menuadmin/imageupload/pkg/backend"
	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/security"
	"github.com/menuadmin/imageupload/pkg/store"
)

// Config wires an Orchestrator to its collaborators.
type Config struct {
	OwnerID   string
	Store     *store.Store
	Validator *security.Validator
	Backend   backend.Client
	Transfer  Transferer
	Observer  Observer

	// KeepCancelled leaves a cancelled upload in StateCancelled, retryable,
	// instead of removing it.
	KeepCancelled bool

	// NewID generates entry ids. Defaults to random UUIDs.
	NewID func() string
}

// Orchestrator owns the pipelines of one owner's images.
type Orchestrator struct {
	ownerID       string
	store         *store.Store
	validator     *security.Validator
	backend       backend.Client
	transfer      Transferer
	observer      Observer
	keepCancelled bool
	newID         func() string
	runner        Runner

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	// mu guards the maps below. It may be taken while the store lock is held,
	// never the other way round.
	mu          sync.Mutex
	generations map[string]uint64
	cancels     map[string]*cancelToken
	closed      bool
}

type cancelToken struct {
	generation uint64
	cancel     context.CancelFunc
}

// New creates an Orchestrator. Pipelines run on the SequentialRunner until
// UseRunner installs another one.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}
	if cfg.Store == nil || cfg.Validator == nil || cfg.Backend == nil || cfg.Transfer == nil {
		return nil, fmt.Errorf("store, validator, backend and transfer are required")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		ownerID:       cfg.OwnerID,
		store:         cfg.Store,
		validator:     cfg.Validator,
		backend:       cfg.Backend,
		transfer:      cfg.Transfer,
		observer:      cfg.Observer,
		keepCancelled: cfg.KeepCancelled,
		newID:         cfg.NewID,
		ctx:           ctx,
		stop:          stop,
		generations:   make(map[string]uint64),
		cancels:       make(map[string]*cancelToken),
	}
	o.runner = SequentialRunner{Steps: o}
	return o, nil
}

// UseRunner replaces the pipeline runner. Call it before launching work.
func (o *Orchestrator) UseRunner(r Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runner = r
}

// OwnerID returns the menu item the orchestrator uploads to.
func (o *Orchestrator) OwnerID() string {
	return o.ownerID
}

// Entries returns the current entries in display order.
func (o *Orchestrator) Entries() []store.Entry {
	return o.store.List()
}

// AddFiles validates files and starts one pipeline per accepted file. A batch
// that would push the store past its capacity is rejected in full.
func (o *Orchestrator) AddFiles(files []File) (AddResult, error) {
	var result AddResult
	if o.isClosed() {
		return result, errors.Wrap(errors.ErrInvalidState, "orchestrator closed")
	}

	if n := o.store.Len(); n+len(files) > o.store.Max() {
		slog.Warn("add_files_rejected", "owner_id", o.ownerID, "tracked", n, "requested", len(files), "max", o.store.Max())
		return result, fmt.Errorf("%w: max %d images allowed", errors.ErrCapacityExceeded, o.store.Max())
	}

	entries := make([]store.Entry, 0, len(files))
	for _, f := range files {
		err := o.validator.Validate(security.Candidate{Name: f.Name, ContentType: f.ContentType, Size: int64(len(f.Data))})
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{Name: f.Name, Err: err})
			continue
		}
		entries = append(entries, store.Entry{
			ID:            o.newID(),
			FileName:      f.Name,
			LocalFile:     f.Data,
			ContentLength: int64(len(f.Data)),
			ContentType:   f.ContentType,
			State:         store.StateIdle,
		})
	}

	if len(entries) == 0 {
		return result, nil
	}
	if err := o.store.Insert(entries...); err != nil {
		return result, err
	}

	for _, e := range entries {
		result.Added = append(result.Added, e.ID)
		o.launch(e.ID, o.nextGeneration(e.ID))
	}

	slog.Info("files_added", "owner_id", o.ownerID, "added", len(result.Added), "rejected", len(result.Rejected))
	return result, nil
}

// Retry restarts the pipeline of a failed or cancelled entry from negotiation.
// A completed entry has nothing left to send and is left as is.
func (o *Orchestrator) Retry(id string) error {
	var gen uint64
	skipped := false

	_, err := o.store.Update(id, func(e *store.Entry) error {
		if e.State.InFlight() {
			return fmt.Errorf("%w: entry is %s", errors.ErrInvalidState, e.State)
		}
		if !e.HasLocalFile() {
			if e.State != store.StateCompleted {
				return errors.ErrRetryNotAllowed
			}
			skipped = true
			return errSkip
		}
		e.State = store.StateIdle
		gen = o.nextGeneration(id)
		return nil
	})
	if skipped {
		slog.Info("retry_skipped", "owner_id", o.ownerID, "entry_id", id, "reason", "already attached")
		return nil
	}
	if err != nil {
		slog.Warn("retry_rejected", "owner_id", o.ownerID, "entry_id", id, "error", err)
		return err
	}

	slog.Info("retry_started", "owner_id", o.ownerID, "entry_id", id, "generation", gen)
	o.launch(id, gen)
	return nil
}

// errSkip aborts a store update without reporting an error to the caller.
var errSkip = errors.New("skip")

// CancelUpload aborts the transfer of an uploading entry.
func (o *Orchestrator) CancelUpload(id string) error {
	var token *cancelToken

	entry, err := o.store.Update(id, func(e *store.Entry) error {
		if e.State != store.StateUploading {
			return fmt.Errorf("%w: entry is %s", errors.ErrInvalidState, e.State)
		}

		o.mu.Lock()
		token = o.cancels[id]
		delete(o.cancels, id)
		o.generations[id]++
		o.mu.Unlock()

		if o.keepCancelled {
			e.State = store.StateCancelled
		} else {
			e.State = store.StateError
			e.ErrorMessage = errors.ErrCancelled.Error()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if token != nil {
		token.cancel()
	}

	if !o.keepCancelled {
		o.store.Remove(id)
		o.forget(id)
	}

	slog.Info("upload_cancelled", "owner_id", o.ownerID, "entry_id", id, "file", entry.FileName, "kept", o.keepCancelled)
	return nil
}

// Replace swaps the image of a completed entry. The attached remote image is
// deleted first; if that fails the entry keeps its previous state and the
// error is returned. On success the entry re-enters the pipeline with f.
func (o *Orchestrator) Replace(ctx context.Context, id string, f File) error {
	err := o.validator.Validate(security.Candidate{Name: f.Name, ContentType: f.ContentType, Size: int64(len(f.Data))})
	if err != nil {
		return err
	}

	prev, err := o.beginDelete(id)
	if err != nil {
		return err
	}

	if err := o.deleteRemote(ctx, prev); err != nil {
		o.restore(prev)
		slog.Error("replace_failed", "owner_id", o.ownerID, "entry_id", id, "error", err)
		return errors.Wrap(err, "replace image")
	}

	var gen uint64
	_, err = o.store.Update(id, func(e *store.Entry) error {
		e.FileName = f.Name
		e.LocalFile = f.Data
		e.ContentLength = int64(len(f.Data))
		e.ContentType = f.ContentType
		e.RemoteID = ""
		e.IsPrimary = false
		e.State = store.StateIdle
		gen = o.nextGeneration(id)
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("replace_started", "owner_id", o.ownerID, "entry_id", id, "file", f.Name)
	o.launch(id, gen)
	return nil
}

// Delete removes an image. Completed entries are deleted on the backend
// first and stay untouched if that fails. Failed or cancelled entries never
// reached the backend and are dropped locally.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	entry, ok := o.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrNotFound, id)
	}

	if entry.State == store.StateError || entry.State == store.StateCancelled {
		if _, err := o.store.RemoveIf(id, func(e store.Entry) error {
			if e.State != store.StateError && e.State != store.StateCancelled {
				return fmt.Errorf("%w: entry is %s", errors.ErrInvalidState, e.State)
			}
			return nil
		}); err != nil {
			return err
		}
		o.forget(id)
		slog.Info("entry_discarded", "owner_id", o.ownerID, "entry_id", id)
		return nil
	}

	prev, err := o.beginDelete(id)
	if err != nil {
		return err
	}

	if err := o.deleteRemote(ctx, prev); err != nil {
		o.restore(prev)
		slog.Error("delete_failed", "owner_id", o.ownerID, "entry_id", id, "error", err)
		return errors.Wrap(err, "delete image")
	}

	o.store.Remove(id)
	o.forget(id)
	slog.Info("image_deleted", "owner_id", o.ownerID, "entry_id", id, "remote_id", prev.RemoteRef())
	return nil
}

// Hydrate seeds completed entries from images already attached on the
// backend. Images that are already tracked are skipped. Images past the
// store's capacity, in position order, are left untracked.
func (o *Orchestrator) Hydrate(images []backend.AttachedImage) error {
	sorted := append([]backend.AttachedImage(nil), images...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	room := o.store.Max() - o.store.Len()
	entries := make([]store.Entry, 0, len(sorted))
	for i, img := range sorted {
		if img.ID == "" || o.store.Contains(img.ID) {
			continue
		}
		if len(entries) >= room {
			slog.Warn("hydrate_truncated",
				"owner_id", o.ownerID,
				"max", o.store.Max(),
				"untracked", len(sorted)-i,
			)
			break
		}
		entries = append(entries, store.Entry{
			ID:          img.ID,
			RemoteID:    img.ID,
			ContentType: hydratedContentType,
			State:       store.StateCompleted,
			Credential:  &store.Credential{ObjectKey: img.Key, PublicURL: img.URL},
			IsPrimary:   img.IsPrimary,
			Position:    img.Position,
		})
	}

	if err := o.store.Insert(entries...); err != nil {
		return errors.Wrap(err, "hydrate images")
	}

	slog.Info("images_hydrated", "owner_id", o.ownerID, "count", len(entries))
	return nil
}

// Load fetches the owner's attached images and hydrates them.
func (o *Orchestrator) Load(ctx context.Context) error {
	images, err := o.backend.ListImages(ctx, o.ownerID)
	if err != nil {
		return errors.Wrap(err, "load images")
	}
	return o.Hydrate(images)
}

// Wait blocks until every launched pipeline has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts running transfers and waits for all pipelines to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// nextGeneration supersedes any earlier pipeline of the entry.
func (o *Orchestrator) nextGeneration(id string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generations[id]++
	return o.generations[id]
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.generations, id)
	if t, ok := o.cancels[id]; ok {
		t.cancel()
		delete(o.cancels, id)
	}
}

func (o *Orchestrator) launch(id string, gen uint64) {
	o.mu.Lock()
	runner := o.runner
	o.mu.Unlock()

	job := Job{OwnerID: o.ownerID, EntryID: id, Generation: gen}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		start := time.Now()
		slog.Info("pipeline_started", "owner_id", job.OwnerID, "entry_id", job.EntryID, "generation", job.Generation)

		if err := runner.Run(o.ctx, job); err != nil {
			slog.Info("pipeline_halted",
				"owner_id", job.OwnerID,
				"entry_id", job.EntryID,
				"generation", job.Generation,
				"error", err,
			)
			return
		}

		slog.Info("pipeline_completed",
			"owner_id", job.OwnerID,
			"entry_id", job.EntryID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()
}

// beginDelete moves a completed entry to StateDeleting and returns its prior state.
func (o *Orchestrator) beginDelete(id string) (store.Entry, error) {
	var prev store.Entry
	_, err := o.store.Update(id, func(e *store.Entry) error {
		if e.State != store.StateCompleted {
			return fmt.Errorf("%w: entry is %s", errors.ErrInvalidState, e.State)
		}
		prev = *e
		e.State = store.StateDeleting
		return nil
	})
	return prev, err
}

func (o *Orchestrator) deleteRemote(ctx context.Context, prev store.Entry) error {
	start := time.Now()
	err := o.backend.DeleteObject(ctx, o.ownerID, prev.RemoteRef())
	o.observer.ObserveStage(StageDelete, time.Since(start), err)
	return err
}

// restore rolls a deleting entry back to prev.
func (o *Orchestrator) restore(prev store.Entry) {
	_, err := o.store.Update(prev.ID, func(e *store.Entry) error {
		*e = prev
		return nil
	})
	if err != nil {
		slog.Error("restore_failed", "owner_id", o.ownerID, "entry_id", prev.ID, "error", err)
	}
}
