// Package queue manages the job side of the broker: submission,
// cancellation, and the guarded status transitions the scheduler loop
// applies. Every transition is recorded in the job's history.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gpubroker/internal/metrics"
	"github.com/me/gpubroker/internal/store"
	"github.com/me/gpubroker/pkg/model"
)

// Queue coordinates job lifecycle against the store.
type Queue struct {
	store       store.Store
	logger      *slog.Logger
	maxAttempts int
}

// New creates a Queue. maxAttempts caps how often a job is requeued after
// losing its host before it fails permanently.
func New(st store.Store, maxAttempts int, logger *slog.Logger) *Queue {
	return &Queue{
		store:       st,
		logger:      logger.With("component", "queue"),
		maxAttempts: maxAttempts,
	}
}

// Submit validates and persists a new pending job.
func (q *Queue) Submit(ctx context.Context, j *model.Job, renter *model.User, now time.Time) (*model.Job, error) {
	if errs := j.Validate(); len(errs) > 0 {
		return nil, model.NewValidationError("invalid job spec", errs...)
	}

	j.ID = model.NewJobID()
	j.RenterID = renter.ID
	j.Status = model.JobStatusPending
	j.AssignedHostID = ""
	j.Attempts = 0
	j.SubmittedAt = now

	if err := q.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	q.appendEvent(ctx, j.ID, "", model.JobStatusPending, model.ReasonSubmitted, now)
	metrics.JobsSubmitted.Inc()
	q.logger.Info("job submitted", "job_id", j.ID, "renter", renter.Username)
	return j, nil
}

// CheckCancellable verifies that the caller may cancel the job right now.
// Returns the job when cancellation may proceed, or when it is already
// cancelled; a repeated cancel is accepted for idempotency.
func (q *Queue) CheckCancellable(ctx context.Context, jobID string, user *model.User) (*model.Job, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j == nil {
		return nil, model.NewNotFoundError("job", jobID)
	}
	if j.RenterID != user.ID && !user.IsAdmin() {
		return nil, model.NewForbiddenError("job belongs to another renter")
	}
	if j.Status == model.JobStatusCancelled {
		return j, nil
	}
	if j.Status.IsTerminal() {
		return nil, model.NewNotCancellableError(j.ID, j.Status)
	}
	return j, nil
}

// MarkMatched atomically pairs the job with a host. The store transaction
// guards both rows, so a stale pairing surfaces as ErrAssignConflict
// instead of a partial write.
func (q *Queue) MarkMatched(ctx context.Context, j *model.Job, hostID string, now time.Time) error {
	if !j.Status.CanTransitionTo(model.JobStatusMatched) {
		return &model.InvalidTransitionError{Entity: "Job", ID: j.ID, From: string(j.Status), To: string(model.JobStatusMatched)}
	}
	if err := q.store.AssignJob(ctx, j.ID, hostID, now); err != nil {
		return err
	}
	q.appendEvent(ctx, j.ID, j.Status, model.JobStatusMatched, model.ReasonMatched, now)
	j.Status = model.JobStatusMatched
	j.AssignedHostID = hostID
	j.MatchedAt = &now
	return nil
}

// MarkRunning records the host's acknowledgement that execution started.
func (q *Queue) MarkRunning(ctx context.Context, j *model.Job, now time.Time) error {
	if err := q.transition(ctx, j, model.JobStatusRunning, model.ReasonStarted, now); err != nil {
		return err
	}
	j.StartedAt = &now
	return q.store.UpdateJob(ctx, j)
}

// MarkCompleted finalizes a successful job with its result and cost.
func (q *Queue) MarkCompleted(ctx context.Context, j *model.Job, result *model.JobResult, cost float64, now time.Time) error {
	if err := q.transition(ctx, j, model.JobStatusCompleted, model.ReasonCompleted, now); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.Cost = cost
	j.Result = result
	return q.store.UpdateJob(ctx, j)
}

// MarkFailed finalizes a job that will not run again.
func (q *Queue) MarkFailed(ctx context.Context, j *model.Job, result *model.JobResult, reason string, now time.Time) error {
	if err := q.transition(ctx, j, model.JobStatusFailed, reason, now); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.Result = result
	return q.store.UpdateJob(ctx, j)
}

// MarkCancelled finalizes a job at the renter's request.
func (q *Queue) MarkCancelled(ctx context.Context, j *model.Job, now time.Time) error {
	if err := q.transition(ctx, j, model.JobStatusCancelled, model.ReasonCancelled, now); err != nil {
		return err
	}
	j.CompletedAt = &now
	return q.store.UpdateJob(ctx, j)
}

// Requeue sends a job back to pending after its host was lost or failed
// to acknowledge. The attempt counter is bumped; once it reaches the cap
// the job fails permanently instead. Returns the resulting status.
func (q *Queue) Requeue(ctx context.Context, j *model.Job, reason string, now time.Time) (model.JobStatus, error) {
	j.Attempts++
	if j.Attempts >= q.maxAttempts {
		q.logger.Warn("job exhausted its attempts", "job_id", j.ID, "attempts", j.Attempts)
		if err := q.transition(ctx, j, model.JobStatusFailed, model.ReasonExhausted, now); err != nil {
			return j.Status, err
		}
		j.CompletedAt = &now
		if j.Result == nil {
			j.Result = &model.JobResult{Error: reason}
		}
		return model.JobStatusFailed, q.store.UpdateJob(ctx, j)
	}

	if err := q.transition(ctx, j, model.JobStatusPending, reason, now); err != nil {
		return j.Status, err
	}
	j.AssignedHostID = ""
	j.MatchedAt = nil
	j.StartedAt = nil
	// Results belong to terminal states only; a failed attempt's result
	// must not linger on a pending job.
	j.Result = nil
	q.logger.Info("job requeued", "job_id", j.ID, "reason", reason, "attempts", j.Attempts)
	return model.JobStatusPending, q.store.UpdateJob(ctx, j)
}

// ListPending returns pending jobs oldest first, the order the matcher
// consumes.
func (q *Queue) ListPending(ctx context.Context) ([]*model.Job, error) {
	return q.store.ListJobsByStatus(ctx, model.JobStatusPending)
}

// ListByRenter returns a renter's jobs, newest first.
func (q *Queue) ListByRenter(ctx context.Context, renterID string, opts model.ListOptions) ([]*model.Job, int, error) {
	return q.store.ListJobsByRenter(ctx, renterID, opts)
}

// Get returns a job or a NOT_FOUND error.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if j == nil {
		return nil, model.NewNotFoundError("job", jobID)
	}
	return j, nil
}

// History returns the job's persisted status transitions.
func (q *Queue) History(ctx context.Context, jobID string) ([]*model.JobEvent, error) {
	return q.store.ListJobEvents(ctx, jobID)
}

// transition applies a guarded in-memory status change and records it.
// The caller persists the job afterwards.
func (q *Queue) transition(ctx context.Context, j *model.Job, to model.JobStatus, reason string, now time.Time) error {
	if !j.Status.CanTransitionTo(to) {
		return &model.InvalidTransitionError{Entity: "Job", ID: j.ID, From: string(j.Status), To: string(to)}
	}
	q.appendEvent(ctx, j.ID, j.Status, to, reason, now)
	j.Status = to
	return nil
}

func (q *Queue) appendEvent(ctx context.Context, jobID string, from, to model.JobStatus, reason string, at time.Time) {
	ev := &model.JobEvent{JobID: jobID, From: from, To: to, Reason: reason, At: at}
	if err := q.store.AppendJobEvent(ctx, ev); err != nil {
		// History is best-effort; the authoritative state is the job row.
		q.logger.Warn("append job event failed", "job_id", jobID, "error", err)
	}
}
