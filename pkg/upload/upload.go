// Package upload drives image files through credential negotiation, byte
// transfer and attachment, recording every transition in a store.Store.
//
// Each accepted file gets its own pipeline goroutine. Pipelines for different
// entries never wait on one another; within one entry the stages run strictly
// in order. Stage failures are recorded on the entry and never escape the
// pipeline.
package upload

import (
	"context"
	"time"

	"github.com/menuadmin/imageupload/pkg/storage"
)

// Pipeline stages, as reported to an Observer.
const (
	StageNegotiate = "negotiate"
	StageTransfer  = "transfer"
	StageAttach    = "attach"
	StageDelete    = "delete"
)

// hydratedContentType is assumed for server images, whose type is not reported.
const hydratedContentType = "image/jpeg"

// File is a locally selected image.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Rejection is a file that failed validation.
type Rejection struct {
	Name string
	Err  error
}

// AddResult reports which files of a batch became entries.
type AddResult struct {
	Added    []string
	Rejected []Rejection
}

// Transferer moves bytes to a pre-signed URL.
type Transferer interface {
	Put(ctx context.Context, uploadURL, contentType string, body []byte) (*storage.PutResult, error)
}

// Observer receives stage timings. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveStage(stage string, d time.Duration, err error)
	ObserveTransferBytes(n int64)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(string, time.Duration, error) {}
func (nopObserver) ObserveTransferBytes(int64)                {}

// Job identifies one pipeline run for one entry.
type Job struct {
	OwnerID    string
	EntryID    string
	Generation uint64
}

// Steps are the pipeline stages. Each stage records its own outcome on the
// entry and returns an error to halt the run.
type Steps interface {
	Negotiate(ctx context.Context, job Job) error
	Transfer(ctx context.Context, job Job) error
	Attach(ctx context.Context, job Job) error
}

// Runner executes the stages of one job.
type Runner interface {
	Run(ctx context.Context, job Job) error
}

// SequentialRunner runs the stages in the calling goroutine.
type SequentialRunner struct {
	Steps Steps
}

// Run executes Negotiate, Transfer and Attach in order, stopping at the first error.
func (r SequentialRunner) Run(ctx context.Context, job Job) error {
	if err := r.Steps.Negotiate(ctx, job); err != nil {
		return err
	}
	if err := r.Steps.Transfer(ctx, job); err != nil {
		return err
	}
	return r.Steps.Attach(ctx, job)
}
