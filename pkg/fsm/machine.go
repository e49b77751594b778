// Package fsm runs upload pipelines as durable superfly/fsm state machines.
// Each pipeline generation becomes one run moving through generate_url,
// upload and attach before reaching complete.
package fsm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/upload"
	"github.com/superfly/fsm"
)

// Machine drives upload.Steps through the FSM library. It implements
// upload.Runner once registered.
type Machine struct {
	steps   upload.Steps
	manager *fsm.Manager
	start   fsm.Start[PipelineRequest, PipelineResponse]

	mu       sync.Mutex
	failures map[string]error
}

// NewMachine creates a new FSM machine around the pipeline stages
func NewMachine(steps upload.Steps) *Machine {
	return &Machine{
		steps:    steps,
		failures: make(map[string]error),
	}
}

// Register registers the upload pipeline FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[PipelineRequest, PipelineResponse](manager, "image-upload").
		Start(StateGenerateURL, m.handleGenerateURL).
		To(StateUpload, m.handleUpload).
		To(StateAttach, m.handleAttach).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return errors.Wrap(err, "failed to register FSM")
	}

	m.manager = manager
	m.start = start
	return nil
}

// Run starts one FSM run for job and blocks until it finishes. Cancelling
// ctx cancels the run. The returned error is the stage failure that aborted
// the run, if any.
func (m *Machine) Run(ctx context.Context, job upload.Job) error {
	if m.start == nil {
		return errors.New("fsm machine not registered")
	}

	runID := RunID(job)
	req := &PipelineRequest{OwnerID: job.OwnerID, EntryID: job.EntryID, Generation: job.Generation}
	resp := &PipelineResponse{}

	version, err := m.start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	// Stage handlers run on the manager's context, so ending ctx cancels the
	// run itself. Waiting continues until the run has halted.
	stop := context.AfterFunc(ctx, func() {
		if err := m.manager.Cancel(context.Background(), version, "pipeline context done"); err != nil {
			slog.Debug("fsm_cancel_skipped", "run_id", runID, "error", err)
		}
	})
	defer stop()

	waitErr := m.manager.Wait(context.WithoutCancel(ctx), version)
	if err := m.takeFailure(runID); err != nil {
		return err
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}
	return nil
}

func (m *Machine) recordFailure(runID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[runID] = err
}

func (m *Machine) takeFailure(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failures[runID]
	delete(m.failures, runID)
	return err
}
