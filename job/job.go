// Package job defines the batch job model: a list of tax identifiers
// working its way through the rate-limited fetcher, accumulating
// result rows until it reaches a terminal state.
package job

import (
	"time"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/id"
)

// State represents the lifecycle state of a batch job.
type State string

const (
	// StateQueued means the job is waiting for a worker.
	StateQueued State = "queued"
	// StateRunning means a worker is resolving identifiers.
	StateRunning State = "running"
	// StateCanceling means cancellation was requested; the worker will
	// stop at the next row boundary.
	StateCanceling State = "canceling"
	// StateCanceled means the job stopped early with a partial result.
	StateCanceled State = "canceled"
	// StateDone means every identifier was processed.
	StateDone State = "done"
	// StateError means the job aborted after repeated upstream failures.
	StateError State = "error"
)

// Terminal reports whether the state is final. Terminal jobs keep
// their rows available for download but accept no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateDone, StateError:
		return true
	}
	return false
}

// OutputFormat selects the artifact encoding for a finished job.
type OutputFormat string

const (
	FormatCSV  OutputFormat = "csv"
	FormatXLSX OutputFormat = "xlsx"
)

// Valid reports whether the format is one we can build.
func (f OutputFormat) Valid() bool {
	return f == FormatCSV || f == FormatXLSX
}

// Row is one processed identifier. Exactly one of the data fields or
// Err is meaningful: an invalid or failed identifier carries Err and
// empty data columns.
type Row struct {
	Input       string    `json:"input"`
	CNPJ        string    `json:"cnpj,omitempty"`
	LegalName   string    `json:"legal_name,omitempty"`
	Simples     string    `json:"simples,omitempty"`
	Simei       string    `json:"simei,omitempty"`
	ConsultedAt time.Time `json:"consulted_at,omitempty"`
	Err         string    `json:"error,omitempty"`
}

// Job is one batch submission.
type Job struct {
	optantes.Entity

	ID           id.JobID      `json:"id"`
	Identifiers  []string      `json:"identifiers"`
	OutputFormat OutputFormat  `json:"output_format"`
	MinInterval  time.Duration `json:"min_interval"`
	State        State         `json:"state"`
	Processed    int           `json:"processed"`
	Total        int           `json:"total"`
	Rows         []Row         `json:"rows,omitempty"`
	Err          string        `json:"error,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// Snapshot is the externally visible view of a job, safe to hand out
// while a worker mutates the Job behind the engine's lock.
type Snapshot struct {
	JobID     id.JobID `json:"job_id"`
	State     State    `json:"state"`
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Err       string   `json:"error,omitempty"`

	// HasResult reports whether at least one row exists, meaning a
	// partial or full artifact can be downloaded.
	HasResult bool `json:"has_result"`
}

// Snapshot builds the external view. Callers must hold whatever lock
// guards the Job.
func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		JobID:     j.ID,
		State:     j.State,
		Processed: j.Processed,
		Total:     j.Total,
		Err:       j.Err,
		HasResult: len(j.Rows) > 0,
	}
}
