package fsm

import (
	"context"
	"log/slog"

	"github.com/menuadmin/imageupload/pkg/errors"
	"github.com/menuadmin/imageupload/pkg/upload"
	"github.com/superfly/fsm"
)

type stepFunc func(context.Context, upload.Job) error

// handleGenerateURL negotiates the upload credential
func (m *Machine) handleGenerateURL(ctx context.Context, req *fsm.Request[PipelineRequest, PipelineResponse]) (*fsm.Response[PipelineResponse], error) {
	return m.runStep(ctx, req, StateGenerateURL, m.steps.Negotiate)
}

// handleUpload transfers the bytes to storage
func (m *Machine) handleUpload(ctx context.Context, req *fsm.Request[PipelineRequest, PipelineResponse]) (*fsm.Response[PipelineResponse], error) {
	return m.runStep(ctx, req, StateUpload, m.steps.Transfer)
}

// handleAttach links the object to the menu item
func (m *Machine) handleAttach(ctx context.Context, req *fsm.Request[PipelineRequest, PipelineResponse]) (*fsm.Response[PipelineResponse], error) {
	return m.runStep(ctx, req, StateAttach, m.steps.Attach)
}

// handleComplete marks the run as completed
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[PipelineRequest, PipelineResponse]) (*fsm.Response[PipelineResponse], error) {
	resp := responseOf(req)
	resp.Status = StatusCompleted

	slog.Info("fsm_state_complete", "entry_id", req.Msg.EntryID, "generation", req.Msg.Generation)
	return fsm.NewResponse(resp), nil
}

// runStep executes one pipeline stage. Stages record their own failures on
// the entry; the FSM only aborts, it never retries a stage on its own.
func (m *Machine) runStep(ctx context.Context, req *fsm.Request[PipelineRequest, PipelineResponse], state string, step stepFunc) (*fsm.Response[PipelineResponse], error) {
	job := req.Msg.job()
	runID := RunID(job)
	slog.Info("fsm_state_"+state, "entry_id", job.EntryID, "generation", job.Generation)

	if retryCount := fsm.RetryFromContext(ctx); retryCount > 0 {
		slog.Error("fsm_retry_refused", "entry_id", job.EntryID, "state", state, "retry", retryCount)
		err := errors.Wrap(errors.ErrInvalidState, state+" already attempted")
		m.recordFailure(runID, err)
		return nil, fsm.Abort(err)
	}

	resp := responseOf(req)
	if err := step(ctx, job); err != nil {
		slog.Warn("fsm_state_failed", "entry_id", job.EntryID, "state", state, "error", err)
		resp.Status = StatusFailed
		resp.ErrorMessage = err.Error()
		m.recordFailure(runID, err)
		return nil, fsm.Abort(err)
	}

	resp.Stage = state
	return fsm.NewResponse(resp), nil
}

func responseOf(req *fsm.Request[PipelineRequest, PipelineResponse]) *PipelineResponse {
	if req.W.Msg == nil {
		return &PipelineResponse{}
	}
	return req.W.Msg
}
