package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gpubroker/internal/events"
	"github.com/me/gpubroker/internal/matcher"
	"github.com/me/gpubroker/internal/metrics"
	"github.com/me/gpubroker/internal/queue"
	"github.com/me/gpubroker/internal/registry"
	"github.com/me/gpubroker/internal/store"
	"github.com/me/gpubroker/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is how often the loop runs when nothing wakes it.
	TickInterval time.Duration
	// HeartbeatTimeout is how long a host may go silent before it is
	// marked offline (three missed 30s heartbeats by default).
	HeartbeatTimeout time.Duration
	// AckTimeout is how long a matched job may wait for the host's
	// start acknowledgement before it is requeued.
	AckTimeout time.Duration
	// MaxAttempts caps how often a job is requeued before failing.
	MaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:     2 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		AckTimeout:       30 * time.Second,
		MaxAttempts:      3,
	}
}

// StatusMirror receives best-effort copies of state changes, e.g. for the
// optional Redis mirror. Implementations must never be authoritative.
type StatusMirror interface {
	SyncJob(ctx context.Context, j *model.Job)
	SyncHost(ctx context.Context, h *model.Host)
}

type intentKind int

const (
	intentStarted intentKind = iota
	intentCompleted
	intentFailed
	intentCancel
)

// intent is a deferred mutation request handed to the loop by API
// handlers. The loop re-validates against current state when applying,
// so stale intents are dropped, not executed.
type intent struct {
	kind   intentKind
	jobID  string
	hostID string
	result *model.JobResult
}

// Loop implements Scheduler. It is the single writer for every
// scheduling transition; serialization comes from running Tick and
// intent application on one goroutine.
type Loop struct {
	store    store.Store
	queue    *queue.Queue
	registry *registry.Registry
	bus      *events.Bus
	mirror   StatusMirror
	config   Config
	logger   *slog.Logger
	now      func() time.Time
	intents  chan intent
	wakeCh   chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures optional Loop dependencies.
type Option func(*Loop)

// WithMirror attaches a best-effort status mirror.
func WithMirror(m StatusMirror) Option {
	return func(l *Loop) { l.mirror = m }
}

// WithClock replaces the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a new scheduler loop.
func NewLoop(st store.Store, q *queue.Queue, reg *registry.Registry, bus *events.Bus, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	l := &Loop{
		store:    st,
		queue:    q,
		registry: reg,
		bus:      bus,
		config:   cfg,
		logger:   logger.With("component", "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		intents:  make(chan intent, 256),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start begins the scheduling loop. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("scheduler started",
		"tick_interval", l.config.TickInterval,
		"heartbeat_timeout", l.config.HeartbeatTimeout,
		"ack_timeout", l.config.AckTimeout,
		"max_attempts", l.config.MaxAttempts,
	)
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("scheduler stopping (stop called)")
			close(l.doneCh)
			return nil
		case in := <-l.intents:
			l.apply(ctx, in)
		case <-l.wakeCh:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Notify wakes the loop without waiting for the next tick.
func (l *Loop) Notify() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// ReportStarted enqueues a host's start acknowledgement.
func (l *Loop) ReportStarted(jobID, hostID string) {
	l.intents <- intent{kind: intentStarted, jobID: jobID, hostID: hostID}
}

// ReportCompleted enqueues a host's successful result.
func (l *Loop) ReportCompleted(jobID, hostID string, result *model.JobResult) {
	l.intents <- intent{kind: intentCompleted, jobID: jobID, hostID: hostID, result: result}
}

// ReportFailed enqueues a host-side execution failure.
func (l *Loop) ReportFailed(jobID, hostID string, result *model.JobResult) {
	l.intents <- intent{kind: intentFailed, jobID: jobID, hostID: hostID, result: result}
}

// RequestCancel enqueues a renter's cancellation.
func (l *Loop) RequestCancel(jobID string) {
	l.intents <- intent{kind: intentCancel, jobID: jobID}
}

// Tick runs a single scheduling iteration.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.now()

	// Phase 1: requeue matched jobs whose host never acknowledged.
	if err := l.enforceAckTimeouts(ctx, now); err != nil {
		return fmt.Errorf("phase 1 (ack timeouts): %w", err)
	}

	// Phase 2: expire silent hosts and rescue their jobs.
	if err := l.sweepHeartbeats(ctx, now); err != nil {
		return fmt.Errorf("phase 2 (heartbeat sweep): %w", err)
	}

	// Phase 3: pair pending jobs with idle hosts.
	if err := l.matchCycle(ctx, now); err != nil {
		return fmt.Errorf("phase 3 (match): %w", err)
	}

	// Phase 4: refresh the status gauges.
	if err := l.updateGauges(ctx); err != nil {
		return fmt.Errorf("phase 4 (gauges): %w", err)
	}

	return nil
}

// enforceAckTimeouts requeues matched jobs whose host has not reported a
// start within the ack window. The host is returned to the idle pool; a
// late start report will hit the transition guard and be dropped.
func (l *Loop) enforceAckTimeouts(ctx context.Context, now time.Time) error {
	matched, err := l.store.ListJobsByStatus(ctx, model.JobStatusMatched)
	if err != nil {
		return err
	}

	for _, j := range matched {
		if j.MatchedAt == nil || now.Sub(*j.MatchedAt) <= l.config.AckTimeout {
			continue
		}
		hostID := j.AssignedHostID
		l.logger.Warn("ack timeout", "job_id", j.ID, "host_id", hostID)

		status, err := l.queue.Requeue(ctx, j, model.ReasonAckTimeout, now)
		if err != nil {
			l.logger.Error("requeue after ack timeout", "job_id", j.ID, "error", err)
			continue
		}
		metrics.JobsRequeued.WithLabelValues(model.ReasonAckTimeout).Inc()
		if status == model.JobStatusFailed {
			metrics.JobsFailed.Inc()
		}
		l.publishJob(j, model.ReasonAckTimeout)
		l.freeHostAfter(ctx, hostID, j.ID, now)
	}
	return nil
}

// sweepHeartbeats marks expired hosts offline and requeues or fails the
// jobs assigned to them. Each entity is handled independently so one bad
// row cannot stall the sweep.
func (l *Loop) sweepHeartbeats(ctx context.Context, now time.Time) error {
	expired, err := l.registry.SweepExpired(ctx, now, l.config.HeartbeatTimeout)
	if err != nil {
		return err
	}

	for _, h := range expired {
		jobID := h.CurrentJobID
		if err := l.registry.MarkOffline(ctx, h); err != nil {
			l.logger.Error("mark host offline", "host_id", h.ID, "error", err)
			continue
		}
		metrics.HostsExpired.Inc()
		l.publishHost(h, model.ReasonHostLost)

		if jobID == "" {
			continue
		}
		j, err := l.store.GetJob(ctx, jobID)
		if err != nil || j == nil {
			l.logger.Error("load job of expired host", "job_id", jobID, "error", err)
			continue
		}
		if j.Status.IsTerminal() || j.AssignedHostID != h.ID {
			continue
		}

		status, err := l.queue.Requeue(ctx, j, model.ReasonHostLost, now)
		if err != nil {
			l.logger.Error("requeue after host loss", "job_id", j.ID, "error", err)
			continue
		}
		metrics.JobsRequeued.WithLabelValues(model.ReasonHostLost).Inc()
		if status == model.JobStatusFailed {
			metrics.JobsFailed.Inc()
		}
		l.publishJob(j, model.ReasonHostLost)
	}
	return nil
}

// matchCycle pairs pending jobs with idle hosts and applies each pairing
// atomically. A pairing that races with a concurrent state change is
// skipped; the job stays pending for the next cycle.
func (l *Loop) matchCycle(ctx context.Context, now time.Time) error {
	started := time.Now()
	defer func() { metrics.MatchCycleSeconds.Observe(time.Since(started).Seconds()) }()

	pending, err := l.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	idle, err := l.store.ListHostsByStatus(ctx, model.HostStatusIdle)
	if err != nil {
		return err
	}

	for _, pair := range matcher.Match(pending, idle) {
		j, h := pair.Job, pair.Host
		if err := l.queue.MarkMatched(ctx, j, h.ID, now); err != nil {
			if errors.Is(err, store.ErrAssignConflict) {
				l.logger.Debug("assignment conflict, skipping", "job_id", j.ID, "host_id", h.ID)
			} else {
				l.logger.Error("apply match", "job_id", j.ID, "host_id", h.ID, "error", err)
			}
			continue
		}
		metrics.JobsMatched.Inc()
		l.logger.Info("job matched", "job_id", j.ID, "host_id", h.ID, "price", h.PricePerHour)

		h.Status = model.HostStatusBusy
		h.CurrentJobID = j.ID
		l.publishJob(j, model.ReasonMatched)
		l.publishHost(h, model.ReasonMatched)
		l.publishAssignment(j, h)
	}
	return nil
}

func (l *Loop) updateGauges(ctx context.Context) error {
	jobCounts, err := l.store.CountJobsByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []model.JobStatus{
		model.JobStatusPending, model.JobStatusMatched, model.JobStatusRunning,
		model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
	} {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(jobCounts[status]))
	}

	hostCounts, err := l.store.CountHostsByStatus(ctx)
	if err != nil {
		return err
	}
	for _, status := range []model.HostStatus{
		model.HostStatusIdle, model.HostStatusBusy, model.HostStatusOffline,
	} {
		metrics.HostsByStatus.WithLabelValues(string(status)).Set(float64(hostCounts[status]))
	}
	return nil
}

// apply executes one intent against current state. Stale intents (the
// job moved on, or the reporting host no longer owns it) are logged and
// dropped; they never corrupt state thanks to the transition guards.
func (l *Loop) apply(ctx context.Context, in intent) {
	now := l.now()

	j, err := l.store.GetJob(ctx, in.jobID)
	if err != nil {
		l.logger.Error("load job for intent", "job_id", in.jobID, "error", err)
		return
	}
	if j == nil {
		l.logger.Warn("intent for unknown job dropped", "job_id", in.jobID)
		return
	}
	if in.hostID != "" && j.AssignedHostID != in.hostID {
		l.logger.Warn("intent from non-assigned host dropped",
			"job_id", j.ID, "host_id", in.hostID, "assigned", j.AssignedHostID)
		return
	}

	switch in.kind {
	case intentStarted:
		l.applyStarted(ctx, j, now)
	case intentCompleted:
		l.applyCompleted(ctx, j, in.result, now)
	case intentFailed:
		l.applyFailed(ctx, j, in.result, now)
	case intentCancel:
		l.applyCancel(ctx, j, now)
	}
}

func (l *Loop) applyStarted(ctx context.Context, j *model.Job, now time.Time) {
	if err := l.queue.MarkRunning(ctx, j, now); err != nil {
		l.logger.Warn("start report dropped", "job_id", j.ID, "error", err)
		return
	}
	l.logger.Info("job running", "job_id", j.ID, "host_id", j.AssignedHostID)
	l.publishJob(j, model.ReasonStarted)
}

func (l *Loop) applyCompleted(ctx context.Context, j *model.Job, result *model.JobResult, now time.Time) {
	hostID := j.AssignedHostID
	h, err := l.store.GetHost(ctx, hostID)
	if err != nil {
		l.logger.Error("load host for completion", "host_id", hostID, "error", err)
		return
	}

	cost := 0.0
	if h != nil && j.StartedAt != nil {
		cost = now.Sub(*j.StartedAt).Hours() * h.PricePerHour
	}

	if err := l.queue.MarkCompleted(ctx, j, result, cost, now); err != nil {
		l.logger.Warn("completion report dropped", "job_id", j.ID, "error", err)
		return
	}
	metrics.JobsCompleted.Inc()
	l.logger.Info("job completed", "job_id", j.ID, "host_id", hostID, "cost", cost)
	l.publishJob(j, model.ReasonCompleted)

	if h != nil && h.CurrentJobID == j.ID {
		h.TotalJobsCompleted++
		h.TotalEarnings += cost
		if err := l.registry.Free(ctx, h, now); err != nil {
			l.logger.Error("free host", "host_id", h.ID, "error", err)
		} else {
			l.publishHost(h, model.ReasonCompleted)
		}
	}

	// A host just went idle; try to hand it the next pending job.
	l.Notify()
}

func (l *Loop) applyFailed(ctx context.Context, j *model.Job, result *model.JobResult, now time.Time) {
	hostID := j.AssignedHostID
	j.Result = result

	status, err := l.queue.Requeue(ctx, j, model.ReasonExecFailed, now)
	if err != nil {
		l.logger.Warn("failure report dropped", "job_id", j.ID, "error", err)
		return
	}
	metrics.JobsRequeued.WithLabelValues(model.ReasonExecFailed).Inc()
	if status == model.JobStatusFailed {
		metrics.JobsFailed.Inc()
	}
	l.logger.Info("job execution failed", "job_id", j.ID, "host_id", hostID, "status", status)
	l.publishJob(j, model.ReasonExecFailed)
	l.freeHostAfter(ctx, hostID, j.ID, now)
	l.Notify()
}

func (l *Loop) applyCancel(ctx context.Context, j *model.Job, now time.Time) {
	if j.Status == model.JobStatusCancelled {
		return
	}
	hostID := j.AssignedHostID

	if err := l.queue.MarkCancelled(ctx, j, now); err != nil {
		l.logger.Warn("cancel dropped", "job_id", j.ID, "error", err)
		return
	}
	metrics.JobsCancelled.Inc()
	l.logger.Info("job cancelled", "job_id", j.ID)
	l.publishJob(j, model.ReasonCancelled)

	if hostID != "" {
		// Best-effort abort signal; the host frees itself by dropping
		// the work, the broker frees it here.
		l.bus.Publish(model.HostTopic(hostID), model.Event{
			Type:  model.EventCancel,
			JobID: j.ID,
			At:    now,
		})
		metrics.EventsPublished.WithLabelValues(string(model.EventCancel)).Inc()
		l.freeHostAfter(ctx, hostID, j.ID, now)
		l.Notify()
	}
}

// freeHostAfter returns a host to the idle pool if it is still busy with
// the given job.
func (l *Loop) freeHostAfter(ctx context.Context, hostID, jobID string, now time.Time) {
	if hostID == "" {
		return
	}
	h, err := l.store.GetHost(ctx, hostID)
	if err != nil {
		l.logger.Error("load host to free", "host_id", hostID, "error", err)
		return
	}
	if h == nil || h.Status != model.HostStatusBusy || h.CurrentJobID != jobID {
		return
	}
	if err := l.registry.Free(ctx, h, now); err != nil {
		l.logger.Error("free host", "host_id", hostID, "error", err)
		return
	}
	l.publishHost(h, "freed")
}

func (l *Loop) publishJob(j *model.Job, reason string) {
	l.bus.Publish(model.JobTopic(j.ID), model.Event{
		Type:   model.EventJobStatus,
		JobID:  j.ID,
		HostID: j.AssignedHostID,
		Status: string(j.Status),
		Reason: reason,
	})
	metrics.EventsPublished.WithLabelValues(string(model.EventJobStatus)).Inc()
	if l.mirror != nil {
		l.mirror.SyncJob(context.Background(), j)
	}
}

func (l *Loop) publishHost(h *model.Host, reason string) {
	l.bus.Publish(model.HostTopic(h.ID), model.Event{
		Type:   model.EventHostStatus,
		HostID: h.ID,
		JobID:  h.CurrentJobID,
		Status: string(h.Status),
		Reason: reason,
	})
	metrics.EventsPublished.WithLabelValues(string(model.EventHostStatus)).Inc()
	if l.mirror != nil {
		l.mirror.SyncHost(context.Background(), h)
	}
}

func (l *Loop) publishAssignment(j *model.Job, h *model.Host) {
	l.bus.Publish(model.HostTopic(h.ID), model.Event{
		Type:   model.EventAssignment,
		JobID:  j.ID,
		HostID: h.ID,
		Status: string(j.Status),
		Job:    j,
	})
	metrics.EventsPublished.WithLabelValues(string(model.EventAssignment)).Inc()
}
