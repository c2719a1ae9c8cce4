package scheduler

import (
	"context"

	"github.com/me/gpubroker/pkg/model"
)

// Scheduler owns every scheduling decision: matching, requeueing,
// liveness enforcement, and terminal bookkeeping. All mutations flow
// through one goroutine, so callers hand it intents instead of writing
// state themselves.
type Scheduler interface {
	// Start begins the scheduling loop. Blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the scheduler.
	Stop() error

	// Tick runs a single scheduling iteration. Used for testing.
	Tick(ctx context.Context) error

	// Notify wakes the loop early, e.g. after a submission.
	Notify()

	// ReportStarted records a host's acknowledgement that it began a job.
	ReportStarted(jobID, hostID string)

	// ReportCompleted records a host's final result for a job.
	ReportCompleted(jobID, hostID string, result *model.JobResult)

	// ReportFailed records a host-side execution failure.
	ReportFailed(jobID, hostID string, result *model.JobResult)

	// RequestCancel asks the loop to cancel a job. Callers validate
	// ownership and cancellability before enqueueing.
	RequestCancel(jobID string)
}
