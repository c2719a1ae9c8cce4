package scheduler

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

// TestIntegration_JobLifecycle drives one job from submission to billed
// completion with the loop running: submit, match on tick, acknowledge,
// report success, verify earnings on the host and cost on the job.
func TestIntegration_JobLifecycle(t *testing.T) {
	f := testSetup(t)
	ctx := context.Background()

	f.registerHost(t, "rig-1", "RTX 4090", 24, 2.0, "us-east")
	j := f.submitJob(t, &model.Job{GPUModelFilter: "4090"})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.loop.Start(runCtx) }()

	f.loop.Notify()
	waitForStatus(t, f, j.ID, model.JobStatusMatched)

	f.loop.ReportStarted(j.ID, "rig-1")
	waitForStatus(t, f, j.ID, model.JobStatusRunning)

	// Half an hour of work at $2.00/hour bills $1.00.
	f.clock.Advance(30 * time.Minute)
	exitCode := 0
	f.loop.ReportCompleted(j.ID, "rig-1", &model.JobResult{ExitCode: &exitCode})
	waitForStatus(t, f, j.ID, model.JobStatusCompleted)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	job, err := f.store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if math.Abs(job.Cost-1.0) > 1e-9 {
		t.Errorf("cost = %v, want 1.0", job.Cost)
	}
	if job.AssignedHostID != "rig-1" {
		t.Errorf("assigned host = %q", job.AssignedHostID)
	}

	host, err := f.store.GetHost(ctx, "rig-1")
	if err != nil {
		t.Fatalf("get host: %v", err)
	}
	if host.Status != model.HostStatusIdle || host.CurrentJobID != "" {
		t.Errorf("host = %s/%q, want idle and free", host.Status, host.CurrentJobID)
	}
	if host.TotalJobsCompleted != 1 || math.Abs(host.TotalEarnings-1.0) > 1e-9 {
		t.Errorf("host counters = %d/%v, want 1/1.0", host.TotalJobsCompleted, host.TotalEarnings)
	}
}

// TestIntegration_CancelWhileRunning submits, matches, starts, then
// cancels through the loop and verifies the terminal state sticks.
func TestIntegration_CancelWhileRunning(t *testing.T) {
	f := testSetup(t)
	ctx := context.Background()

	f.registerHost(t, "rig-1", "RTX 4090", 24, 2.0, "us-east")
	j := f.submitJob(t, &model.Job{})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.loop.Start(runCtx) }()

	f.loop.Notify()
	waitForStatus(t, f, j.ID, model.JobStatusMatched)
	f.loop.ReportStarted(j.ID, "rig-1")
	waitForStatus(t, f, j.ID, model.JobStatusRunning)

	f.loop.RequestCancel(j.ID)
	waitForStatus(t, f, j.ID, model.JobStatusCancelled)

	// A late result report must not move the job out of cancelled.
	exitCode := 0
	f.loop.ReportCompleted(j.ID, "rig-1", &model.JobResult{ExitCode: &exitCode})
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	job, _ := f.store.GetJob(ctx, j.ID)
	if job.Status != model.JobStatusCancelled {
		t.Errorf("status = %s, want cancelled", job.Status)
	}
	if job.Cost != 0 {
		t.Errorf("cancelled job was billed: %v", job.Cost)
	}

	host, _ := f.store.GetHost(ctx, "rig-1")
	if host.Status != model.HostStatusIdle {
		t.Errorf("host = %s, want idle", host.Status)
	}
}

// waitForStatus polls the store until the job reaches the status or the
// deadline passes. The loop applies intents asynchronously.
func waitForStatus(t *testing.T, f *fixture, jobID string, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := f.store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (now %s)", jobID, want, job.Status)
}
