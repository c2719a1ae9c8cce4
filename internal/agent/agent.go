package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

// Agent is the host-side daemon: it keeps the host registered and
// heartbeating, executes assigned jobs, and reports results.
type Agent struct {
	client    *Client
	runner    Runner
	workDir   string
	heartbeat time.Duration
	logger    *slog.Logger

	mu            sync.Mutex
	currentJobID  string
	cancelCurrent context.CancelFunc
}

// Config holds agent configuration.
type Config struct {
	ServerURL string
	Token     string
	HostID    string
	WorkDir   string
	// Heartbeat is the liveness interval; the broker expects one every
	// 30s and expires the host after 90s of silence.
	Heartbeat time.Duration
}

// New creates an Agent from configuration.
func New(cfg Config, runner Runner, logger *slog.Logger) *Agent {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "gpubroker-agent")
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Agent{
		client:    NewClient(cfg.ServerURL, cfg.Token, cfg.HostID),
		runner:    runner,
		workDir:   cfg.WorkDir,
		heartbeat: cfg.Heartbeat,
		logger:    logger.With("component", "agent", "host_id", cfg.HostID),
	}
}

// Run registers the host and serves assignments until the context is
// cancelled. On shutdown the host is deregistered if it is not mid-job.
func (a *Agent) Run(ctx context.Context, spec HostSpec) error {
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", a.workDir, err)
	}

	host, err := a.client.Register(ctx, spec)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("registered with broker",
		"gpu_model", host.GPUModel,
		"price_per_hour", host.PricePerHour,
	)

	go a.heartbeatLoop(ctx)

	a.eventLoop(ctx)

	// Best-effort deregistration with a fresh context.
	deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Deregister(deregCtx); err != nil {
		a.logger.Warn("deregister failed", "error", err)
	}
	return nil
}

// heartbeatLoop sends heartbeats at regular intervals until context is
// cancelled. It keeps running during job execution.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.client.Heartbeat(ctx); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// eventLoop consumes the host's SSE feed, reconnecting with backoff.
// Assignments missed while disconnected are recovered by the broker's
// ack timeout, which requeues the job for the next match cycle.
func (a *Agent) eventLoop(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		events, err := a.client.StreamEvents(ctx)
		if err != nil {
			a.logger.Warn("event stream unavailable, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		a.logger.Info("event stream connected")

		for ev := range events {
			a.handleEvent(ctx, ev)
		}
		a.logger.Warn("event stream closed, reconnecting")
	}
}

func (a *Agent) handleEvent(ctx context.Context, ev model.Event) {
	switch ev.Type {
	case model.EventAssignment:
		if ev.Job == nil {
			a.logger.Warn("assignment without job payload", "job_id", ev.JobID)
			return
		}
		go a.executeJob(ctx, ev.Job)
	case model.EventCancel:
		a.mu.Lock()
		if a.currentJobID == ev.JobID && a.cancelCurrent != nil {
			a.logger.Info("cancel signal received", "job_id", ev.JobID)
			a.cancelCurrent()
		}
		a.mu.Unlock()
	}
}

// executeJob runs one assigned job end to end: acknowledge, execute
// under the runtime limit, report the result.
func (a *Agent) executeJob(ctx context.Context, job *model.Job) {
	logger := a.logger.With("job_id", job.ID)

	var jobCtx context.Context
	var cancel context.CancelFunc
	if job.MaxRuntimeHours > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(job.MaxRuntimeHours*float64(time.Hour)))
	} else {
		jobCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	a.mu.Lock()
	a.currentJobID = job.ID
	a.cancelCurrent = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.currentJobID = ""
		a.cancelCurrent = nil
		a.mu.Unlock()
	}()

	if err := a.client.ReportStarted(ctx, job.ID); err != nil {
		logger.Error("start acknowledgement failed", "error", err)
		return
	}
	logger.Info("job started", "command", job.Command)

	jobDir := filepath.Join(a.workDir, job.ID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		a.reportFailure(ctx, job.ID, fmt.Errorf("create job dir: %w", err))
		return
	}

	result, err := a.runner.Run(jobCtx, job, jobDir)
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			// Cancelled or timed out, not an agent crash.
			a.reportFailure(ctx, job.ID, fmt.Errorf("job aborted: %w", jobCtx.Err()))
			return
		}
		a.reportFailure(ctx, job.ID, err)
		return
	}

	report := CompleteReport{
		ExitCode:   result.ExitCode,
		Error:      result.Error,
		LogURL:     result.LogURL,
		ResultsURL: result.ResultsURL,
	}
	if err := a.client.ReportComplete(ctx, job.ID, report); err != nil {
		logger.Error("result report failed", "error", err)
		return
	}
	logger.Info("job finished", "exit_code", result.ExitCode)
}

func (a *Agent) reportFailure(ctx context.Context, jobID string, execErr error) {
	a.logger.Error("job execution failed", "job_id", jobID, "error", execErr)
	exitCode := -1
	err := a.client.ReportComplete(ctx, jobID, CompleteReport{
		State:    string(model.JobStatusFailed),
		ExitCode: &exitCode,
		Error:    execErr.Error(),
	})
	if err != nil {
		a.logger.Error("failure report failed", "job_id", jobID, "error", err)
	}
}
