package upload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/menuadmin/imageupload/pkg/backend"
	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/store"
)

// Negotiate obtains a fresh upload credential for the entry. Any credential
// from an earlier run is dropped first.
func (o *Orchestrator) Negotiate(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() { o.observeStage(StageNegotiate, start, err) }()

	entry, err := o.update(job, func(e *store.Entry) error {
		if e.State != store.StateIdle {
			return fmt.Errorf("%w: negotiate from %s", errors.ErrInvalidState, e.State)
		}
		e.State = store.StateGeneratingURL
		e.Credential = nil
		return nil
	})
	if err != nil {
		return err
	}

	ticket, err := o.backend.NegotiateUpload(ctx, job.OwnerID, entry.ContentType, entry.ContentLength)
	if err == nil && !ticket.Complete() {
		err = errors.ErrInvalidCredential
	}
	if err != nil {
		slog.Error("negotiate_failed", "owner_id", job.OwnerID, "entry_id", job.EntryID, "error", err)
		return o.fail(job, err)
	}

	_, err = o.update(job, func(e *store.Entry) error {
		e.Credential = &store.Credential{
			UploadURL: ticket.UploadURL,
			ObjectKey: ticket.Key,
			PublicURL: ticket.URL,
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("negotiate_complete", "owner_id", job.OwnerID, "entry_id", job.EntryID, "object_key", ticket.Key)
	return nil
}

// Transfer sends the entry's bytes to its upload URL. The transfer can be
// aborted with CancelUpload while it runs.
func (o *Orchestrator) Transfer(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() { o.observeStage(StageTransfer, start, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := &cancelToken{generation: job.Generation, cancel: cancel}

	o.mu.Lock()
	if o.generations[job.EntryID] != job.Generation {
		o.mu.Unlock()
		return errors.ErrSuperseded
	}
	o.cancels[job.EntryID] = token
	o.mu.Unlock()
	defer o.releaseToken(job.EntryID, token)

	entry, err := o.update(job, func(e *store.Entry) error {
		if e.State != store.StateGeneratingURL || e.Credential == nil || e.Credential.UploadURL == "" {
			return fmt.Errorf("%w: transfer from %s", errors.ErrInvalidState, e.State)
		}
		if !e.HasLocalFile() {
			return errors.ErrMissingLocalFile
		}
		e.State = store.StateUploading
		return nil
	})
	if errors.Is(err, errors.ErrMissingLocalFile) {
		return o.fail(job, err)
	}
	if err != nil {
		return err
	}

	slog.Info("transfer_started", "owner_id", job.OwnerID, "entry_id", job.EntryID, "size", entry.ContentLength)

	res, err := o.transfer.Put(ctx, entry.Credential.UploadURL, entry.ContentType, entry.LocalFile)
	if err != nil {
		slog.Error("transfer_failed", "owner_id", job.OwnerID, "entry_id", job.EntryID, "error", err)
		return o.fail(job, err)
	}
	o.observer.ObserveTransferBytes(res.Size)

	_, err = o.update(job, func(e *store.Entry) error {
		e.State = store.StateAttaching
		return nil
	})
	return err
}

// Attach links the uploaded object to the owner. The entry is sent as
// primary when it is first in store order and no other entry is primary.
func (o *Orchestrator) Attach(ctx context.Context, job Job) (err error) {
	start := time.Now()
	defer func() { o.observeStage(StageAttach, start, err) }()

	entry, ok := o.store.Get(job.EntryID)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrNotFound, job.EntryID)
	}
	if entry.State != store.StateAttaching || entry.Credential == nil {
		return fmt.Errorf("%w: attach from %s", errors.ErrInvalidState, entry.State)
	}

	primary := o.primaryCandidate(job.EntryID)
	img, err := o.backend.AttachObject(ctx, job.OwnerID, backend.AttachRequest{
		Key:       entry.Credential.ObjectKey,
		URL:       entry.Credential.PublicURL,
		IsPrimary: primary,
	})
	if err != nil {
		slog.Error("attach_failed", "owner_id", job.OwnerID, "entry_id", job.EntryID, "error", err)
		return o.fail(job, err)
	}

	_, err = o.update(job, func(e *store.Entry) error {
		if e.State != store.StateAttaching {
			return fmt.Errorf("%w: entry left attaching", errors.ErrInvalidState)
		}
		e.State = store.StateCompleted
		e.LocalFile = nil
		e.RemoteID = img.ID
		e.IsPrimary = img.IsPrimary
		e.Position = img.Position
		if e.Credential != nil {
			e.Credential.UploadURL = ""
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("attach_complete",
		"owner_id", job.OwnerID,
		"entry_id", job.EntryID,
		"remote_id", img.ID,
		"is_primary", img.IsPrimary,
		"position", img.Position,
	)
	return nil
}

// update applies fn unless the job has been superseded.
func (o *Orchestrator) update(job Job, fn func(*store.Entry) error) (store.Entry, error) {
	return o.store.Update(job.EntryID, func(e *store.Entry) error {
		if !o.current(job) {
			return errors.ErrSuperseded
		}
		return fn(e)
	})
}

// fail records err on the entry and returns it. Local bytes are kept.
func (o *Orchestrator) fail(job Job, err error) error {
	msg := err.Error()
	if errors.Is(err, errors.ErrCancelled) {
		msg = errors.ErrCancelled.Error()
	}
	if _, uerr := o.update(job, func(e *store.Entry) error {
		e.State = store.StateError
		e.ErrorMessage = msg
		return nil
	}); uerr != nil {
		return uerr
	}
	return err
}

func (o *Orchestrator) current(job Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generations[job.EntryID] == job.Generation
}

func (o *Orchestrator) releaseToken(id string, token *cancelToken) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancels[id] == token {
		delete(o.cancels, id)
	}
}

func (o *Orchestrator) primaryCandidate(id string) bool {
	entries := o.store.List()
	if len(entries) == 0 || entries[0].ID != id {
		return false
	}
	for _, e := range entries[1:] {
		if e.IsPrimary {
			return false
		}
	}
	return true
}

func (o *Orchestrator) observeStage(stage string, start time.Time, err error) {
	if errors.Is(err, errors.ErrSuperseded) {
		return
	}
	o.observer.ObserveStage(stage, time.Since(start), err)
}
