package fsm

import (
	"fmt"

	"github.com/menuadmin/imageupload/pkg/upload"
)

// PipelineRequest is the FSM input
type PipelineRequest struct {
	OwnerID    string
	EntryID    string
	Generation uint64
}

func (r *PipelineRequest) job() upload.Job {
	return upload.Job{OwnerID: r.OwnerID, EntryID: r.EntryID, Generation: r.Generation}
}

// PipelineResponse is the FSM output (accumulated across transitions)
type PipelineResponse struct {
	// Last state that finished
	Stage string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateGenerateURL = "generate_url"
	StateUpload      = "upload"
	StateAttach      = "attach"
	StateComplete    = "complete"
	StateFailed      = "failed"
)

// Run statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunID names the FSM run of one pipeline generation.
func RunID(job upload.Job) string {
	return fmt.Sprintf("%s-%d", job.EntryID, job.Generation)
}
