package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusMatched   JobStatus = "matched"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
// Terminal jobs never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// Matched and Running can fall back to Pending when the assigned host is
// lost or fails to acknowledge in time.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusMatched, JobStatusCancelled},
	JobStatusMatched: {JobStatusRunning, JobStatusPending, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusPending, JobStatusCancelled},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is a unit of GPU work submitted by a renter.
//
// The broker treats the payload fields (Command, DockerImage) as opaque;
// only the host agent interprets them.
type Job struct {
	ID       string `json:"id"`
	RenterID string `json:"renter_id"`

	// Payload descriptor, opaque to the broker.
	Command         string  `json:"command"`
	DockerImage     string  `json:"docker_image,omitempty"`
	MaxRuntimeHours float64 `json:"max_runtime_hours,omitempty"`

	// Placement filters. Zero values mean "no constraint".
	GPUModelFilter  string  `json:"gpu_model_filter,omitempty"`
	MinVRAMGB       int     `json:"min_vram_gb,omitempty"`
	MaxPricePerHour float64 `json:"max_price_per_hour,omitempty"`
	LocationFilter  string  `json:"location_filter,omitempty"`

	Status         JobStatus `json:"status"`
	AssignedHostID string    `json:"assigned_host_id,omitempty"`
	Attempts       int       `json:"attempts"`

	SubmittedAt time.Time  `json:"submitted_at"`
	MatchedAt   *time.Time `json:"matched_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Cost is the amount billed to the renter, set on successful completion.
	Cost   float64    `json:"cost,omitempty"`
	Result *JobResult `json:"result,omitempty"`
}

// JobResult holds the outcome reported by the host agent for a terminal job.
type JobResult struct {
	ExitCode   *int   `json:"exit_code,omitempty"`
	Error      string `json:"error,omitempty"`
	LogURL     string `json:"log_url,omitempty"`
	ResultsURL string `json:"results_url,omitempty"`
}

// NewJobID generates a job identifier.
func NewJobID() string {
	return "job_" + uuid.New().String()[:8]
}

// Validate checks submission fields and returns any violations.
func (j *Job) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(j.Command) == "" {
		errs = append(errs, FieldError{Field: "command", Message: "command is required"})
	}
	if j.MinVRAMGB < 0 {
		errs = append(errs, FieldError{Field: "min_vram_gb", Message: "must not be negative"})
	}
	if j.MaxPricePerHour < 0 {
		errs = append(errs, FieldError{Field: "max_price_per_hour", Message: "must not be negative"})
	}
	if j.MaxRuntimeHours < 0 || j.MaxRuntimeHours > 168 {
		errs = append(errs, FieldError{Field: "max_runtime_hours", Message: "must be between 0 and 168"})
	}
	return errs
}

// MatchesHost reports whether the host satisfies every placement filter on
// the job. Model and location filters are case-insensitive substring
// matches; unset filters always pass. The matcher and the marketplace
// listing share this predicate.
func (j *Job) MatchesHost(h *Host) bool {
	if j.GPUModelFilter != "" &&
		!strings.Contains(strings.ToLower(h.GPUModel), strings.ToLower(j.GPUModelFilter)) {
		return false
	}
	if j.MinVRAMGB > 0 && h.VRAMGB < j.MinVRAMGB {
		return false
	}
	if j.MaxPricePerHour > 0 && h.PricePerHour > j.MaxPricePerHour {
		return false
	}
	if j.LocationFilter != "" &&
		!strings.Contains(strings.ToLower(h.Location), strings.ToLower(j.LocationFilter)) {
		return false
	}
	return true
}
