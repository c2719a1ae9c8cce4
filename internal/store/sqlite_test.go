package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleHost(id string) *model.Host {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Host{
		ID:              id,
		OwnerID:         "user_owner1",
		GPUModel:        "NVIDIA RTX 4090",
		VRAMGB:          24,
		GPUCount:        1,
		PricePerHour:    2.50,
		Location:        "us-east",
		Status:          model.HostStatusIdle,
		LastHeartbeatAt: now,
		IdleSince:       now,
		RegisteredAt:    now,
	}
}

func sampleJob(id string) *model.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Job{
		ID:          id,
		RenterID:    "user_renter1",
		Command:     "python train.py",
		DockerImage: "pytorch/pytorch:latest",
		Status:      model.JobStatusPending,
		SubmittedAt: now,
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrating a second time must not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Host CRUD tests ---

func TestCreateAndGetHost(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	h := sampleHost("rig-1")

	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetHost(ctx, h.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil host")
	}
	if got.ID != h.ID || got.GPUModel != h.GPUModel || got.PricePerHour != h.PricePerHour {
		t.Errorf("got %+v, want %+v", got, h)
	}
	if !got.LastHeartbeatAt.Equal(h.LastHeartbeatAt) {
		t.Errorf("last_heartbeat_at = %v, want %v", got.LastHeartbeatAt, h.LastHeartbeatAt)
	}
	if got.Status != model.HostStatusIdle {
		t.Errorf("status = %q, want %q", got.Status, model.HostStatusIdle)
	}
}

func TestGetHost_NotFound(t *testing.T) {
	st := testStore(t)
	got, err := st.GetHost(context.Background(), "rig-missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing host, got %+v", got)
	}
}

func TestUpdateHost(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	h := sampleHost("rig-1")
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create: %v", err)
	}

	h.Status = model.HostStatusOffline
	h.TotalJobsCompleted = 3
	h.TotalEarnings = 7.25
	if err := st.UpdateHost(ctx, h); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetHost(ctx, h.ID)
	if got.Status != model.HostStatusOffline {
		t.Errorf("status = %q, want offline", got.Status)
	}
	if got.TotalJobsCompleted != 3 || got.TotalEarnings != 7.25 {
		t.Errorf("counters = %d/%v, want 3/7.25", got.TotalJobsCompleted, got.TotalEarnings)
	}
}

func TestUpdateHost_Missing(t *testing.T) {
	st := testStore(t)
	h := sampleHost("rig-ghost")
	if err := st.UpdateHost(context.Background(), h); err == nil {
		t.Fatal("expected error updating missing host")
	}
}

func TestDeleteHost(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	h := sampleHost("rig-1")
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.DeleteHost(ctx, h.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := st.GetHost(ctx, h.ID)
	if got != nil {
		t.Errorf("host still present after delete: %+v", got)
	}
}

func TestListHostsByStatus_OrderedByIdleSince(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	newer := sampleHost("rig-newer")
	newer.IdleSince = base
	older := sampleHost("rig-older")
	older.IdleSince = base.Add(-time.Hour)
	busy := sampleHost("rig-busy")
	busy.Status = model.HostStatusBusy
	busy.CurrentJobID = "job_x"

	for _, h := range []*model.Host{newer, older, busy} {
		if err := st.CreateHost(ctx, h); err != nil {
			t.Fatalf("create %s: %v", h.ID, err)
		}
	}

	idle, err := st.ListHostsByStatus(ctx, model.HostStatusIdle)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(idle) != 2 {
		t.Fatalf("idle hosts = %d, want 2", len(idle))
	}
	if idle[0].ID != "rig-older" || idle[1].ID != "rig-newer" {
		t.Errorf("order = [%s %s], want oldest idle first", idle[0].ID, idle[1].ID)
	}
}

func TestCountHostsByStatus(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	a := sampleHost("rig-a")
	b := sampleHost("rig-b")
	b.Status = model.HostStatusOffline
	for _, h := range []*model.Host{a, b} {
		if err := st.CreateHost(ctx, h); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	counts, err := st.CountHostsByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[model.HostStatusIdle] != 1 || counts[model.HostStatusOffline] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestListHostsByOwner(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		h := sampleHost("mine-" + string(rune('a'+i)))
		h.RegisteredAt = base.Add(time.Duration(i) * time.Second)
		if err := st.CreateHost(ctx, h); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other := sampleHost("theirs-a")
	other.OwnerID = "user_owner2"
	if err := st.CreateHost(ctx, other); err != nil {
		t.Fatalf("create: %v", err)
	}

	hosts, total, err := st.ListHostsByOwner(ctx, "user_owner1", model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(hosts) != 2 {
		t.Fatalf("page = %d hosts, want 2", len(hosts))
	}
	for _, h := range hosts {
		if h.OwnerID != "user_owner1" {
			t.Errorf("host %s owned by %s", h.ID, h.OwnerID)
		}
	}

	// The second page holds the remaining host.
	hosts, total, err = st.ListHostsByOwner(ctx, "user_owner1", model.ListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if total != 3 || len(hosts) != 1 {
		t.Errorf("page 2 = %d hosts (total %d), want 1 of 3", len(hosts), total)
	}
}

func TestTouchHostHeartbeat_LeavesPairingColumns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	h := sampleHost("rig-1")
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create host: %v", err)
	}
	j := sampleJob("job_1")
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.AssignJob(ctx, "job_1", "rig-1", time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	later := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	if err := st.TouchHostHeartbeat(ctx, "rig-1", later); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, _ := st.GetHost(ctx, "rig-1")
	if got.Status != model.HostStatusBusy || got.CurrentJobID != "job_1" {
		t.Errorf("host = %s/%q, pairing columns must survive a heartbeat", got.Status, got.CurrentJobID)
	}
	if !got.LastHeartbeatAt.Equal(later) {
		t.Errorf("last_heartbeat_at = %v, want %v", got.LastHeartbeatAt, later)
	}
}

func TestDeregisterHost_BusyGuard(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	h := sampleHost("rig-1")
	h.Status = model.HostStatusBusy
	h.CurrentJobID = "job_1"
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := st.DeregisterHost(ctx, "rig-1")
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if ok {
		t.Fatal("deregister of a busy host must miss the guard")
	}
	got, _ := st.GetHost(ctx, "rig-1")
	if got.Status != model.HostStatusBusy || got.CurrentJobID != "job_1" {
		t.Errorf("host = %s/%q, want untouched busy row", got.Status, got.CurrentJobID)
	}

	// Idle hosts deregister normally.
	idle := sampleHost("rig-2")
	if err := st.CreateHost(ctx, idle); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err = st.DeregisterHost(ctx, "rig-2")
	if err != nil || !ok {
		t.Fatalf("deregister idle = (%v, %v), want (true, nil)", ok, err)
	}
	got, _ = st.GetHost(ctx, "rig-2")
	if got.Status != model.HostStatusOffline {
		t.Errorf("status = %s, want offline", got.Status)
	}
}

func TestReviveHost_OnlyWhenOffline(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	h := sampleHost("rig-1")
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create: %v", err)
	}

	// An online host is not revivable; the caller falls back to a touch.
	revived, err := st.ReviveHost(ctx, "rig-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	if revived != nil {
		t.Fatalf("revived online host to %s", revived.Status)
	}

	h.Status = model.HostStatusOffline
	if err := st.UpdateHost(ctx, h); err != nil {
		t.Fatalf("update: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	revived, err = st.ReviveHost(ctx, "rig-1", now)
	if err != nil {
		t.Fatalf("revive: %v", err)
	}
	if revived == nil || revived.Status != model.HostStatusIdle {
		t.Fatalf("revived = %+v, want idle host", revived)
	}
	if !revived.IdleSince.Equal(now) || !revived.LastHeartbeatAt.Equal(now) {
		t.Errorf("timestamps = idle %v heartbeat %v, want %v", revived.IdleSince, revived.LastHeartbeatAt, now)
	}
}

// --- Job CRUD tests ---

func TestCreateAndGetJob(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	j := sampleJob("job_test1")
	j.GPUModelFilter = "4090"
	j.MinVRAMGB = 16

	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil job")
	}
	if got.Command != j.Command || got.GPUModelFilter != "4090" || got.MinVRAMGB != 16 {
		t.Errorf("got %+v, want %+v", got, j)
	}
	if got.MatchedAt != nil || got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("timestamps should be nil on a fresh job")
	}
	if got.Result != nil {
		t.Error("result should be nil on a fresh job")
	}
}

func TestUpdateJob_WithResult(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	j := sampleJob("job_test1")
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	exit := 0
	j.Status = model.JobStatusCompleted
	j.CompletedAt = &now
	j.Cost = 1.25
	j.Result = &model.JobResult{ExitCode: &exit, LogURL: "https://bucket/jobs/job_test1/logs.txt"}
	if err := st.UpdateJob(ctx, j); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := st.GetJob(ctx, j.ID)
	if got.Status != model.JobStatusCompleted || got.Cost != 1.25 {
		t.Errorf("status/cost = %s/%v", got.Status, got.Cost)
	}
	if got.Result == nil || got.Result.ExitCode == nil || *got.Result.ExitCode != 0 {
		t.Errorf("result = %+v", got.Result)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, now)
	}
}

func TestListJobsByStatus_FIFO(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	second := sampleJob("job_second")
	second.SubmittedAt = base
	first := sampleJob("job_first")
	first.SubmittedAt = base.Add(-time.Minute)
	done := sampleJob("job_done")
	done.Status = model.JobStatusCompleted

	for _, j := range []*model.Job{second, first, done} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("create %s: %v", j.ID, err)
		}
	}

	pending, err := st.ListJobsByStatus(ctx, model.JobStatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "job_first" || pending[1].ID != "job_second" {
		t.Errorf("order = [%s %s], want submission order", pending[0].ID, pending[1].ID)
	}
}

func TestListJobsByRenter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	mine := sampleJob("job_mine")
	other := sampleJob("job_other")
	other.RenterID = "user_other"
	for _, j := range []*model.Job{mine, other} {
		if err := st.CreateJob(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	jobs, total, err := st.ListJobsByRenter(ctx, "user_renter1", model.DefaultListOptions())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(jobs) != 1 || jobs[0].ID != "job_mine" {
		t.Errorf("jobs = %v (total %d), want only job_mine", jobs, total)
	}
}

// --- Assignment tests ---

func TestAssignJob(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	h := sampleHost("rig-1")
	j := sampleJob("job_1")
	if err := st.CreateHost(ctx, h); err != nil {
		t.Fatalf("create host: %v", err)
	}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatalf("create job: %v", err)
	}

	if err := st.AssignJob(ctx, j.ID, h.ID, now); err != nil {
		t.Fatalf("assign: %v", err)
	}

	gotJob, _ := st.GetJob(ctx, j.ID)
	gotHost, _ := st.GetHost(ctx, h.ID)
	if gotJob.Status != model.JobStatusMatched || gotJob.AssignedHostID != h.ID {
		t.Errorf("job = %s/%s, want matched/rig-1", gotJob.Status, gotJob.AssignedHostID)
	}
	if gotJob.MatchedAt == nil || !gotJob.MatchedAt.Equal(now) {
		t.Errorf("matched_at = %v, want %v", gotJob.MatchedAt, now)
	}
	if gotHost.Status != model.HostStatusBusy || gotHost.CurrentJobID != j.ID {
		t.Errorf("host = %s/%s, want busy/job_1", gotHost.Status, gotHost.CurrentJobID)
	}
}

func TestAssignJob_JobNotPending(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	h := sampleHost("rig-1")
	j := sampleJob("job_1")
	j.Status = model.JobStatusCancelled
	st.CreateHost(ctx, h)
	st.CreateJob(ctx, j)

	if err := st.AssignJob(ctx, j.ID, h.ID, time.Now()); err != ErrAssignConflict {
		t.Fatalf("err = %v, want ErrAssignConflict", err)
	}

	// The host must be untouched after the rollback.
	gotHost, _ := st.GetHost(ctx, h.ID)
	if gotHost.Status != model.HostStatusIdle || gotHost.CurrentJobID != "" {
		t.Errorf("host mutated on failed assign: %s/%q", gotHost.Status, gotHost.CurrentJobID)
	}
}

func TestAssignJob_HostNotIdle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	h := sampleHost("rig-1")
	h.Status = model.HostStatusBusy
	h.CurrentJobID = "job_other"
	j := sampleJob("job_1")
	st.CreateHost(ctx, h)
	st.CreateJob(ctx, j)

	if err := st.AssignJob(ctx, j.ID, h.ID, time.Now()); err != ErrAssignConflict {
		t.Fatalf("err = %v, want ErrAssignConflict", err)
	}

	// The job must stay pending after the rollback.
	gotJob, _ := st.GetJob(ctx, j.ID)
	if gotJob.Status != model.JobStatusPending || gotJob.AssignedHostID != "" {
		t.Errorf("job mutated on failed assign: %s/%q", gotJob.Status, gotJob.AssignedHostID)
	}
}

// --- Job event tests ---

func TestAppendAndListJobEvents(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	events := []*model.JobEvent{
		{JobID: "job_1", From: "", To: model.JobStatusPending, Reason: model.ReasonSubmitted, At: now},
		{JobID: "job_1", From: model.JobStatusPending, To: model.JobStatusMatched, Reason: model.ReasonMatched, At: now.Add(time.Second)},
		{JobID: "job_2", From: "", To: model.JobStatusPending, Reason: model.ReasonSubmitted, At: now},
	}
	for _, ev := range events {
		if err := st.AppendJobEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := st.ListJobEvents(ctx, "job_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].To != model.JobStatusPending || got[1].To != model.JobStatusMatched {
		t.Errorf("event order wrong: %+v", got)
	}
}

// --- User and token tests ---

func TestGetOrCreateUser(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	u1, err := st.GetOrCreateUser(ctx, "alice", model.RoleRenter)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	u2, err := st.GetOrCreateUser(ctx, "alice", model.RoleHost)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u1.ID != u2.ID {
		t.Errorf("second call created a new user: %s vs %s", u1.ID, u2.ID)
	}
	// Role from the first creation wins.
	if u2.Role != model.RoleRenter {
		t.Errorf("role = %q, want renter", u2.Role)
	}

	n, err := st.CountUsers(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("users = %d, want 1", n)
	}
}

func TestPutAndGetToken(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	tok := &model.Token{
		Token:     "tok_secret123",
		UserID:    "user_abc",
		Username:  "alice",
		Role:      model.RoleRenter,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.PutToken(ctx, tok); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.GetToken(ctx, "tok_secret123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.UserID != "user_abc" || got.Role != model.RoleRenter {
		t.Errorf("token = %+v", got)
	}
	if got.ExpiresAt != nil {
		t.Error("expires_at should be nil")
	}

	missing, err := st.GetToken(ctx, "tok_nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown token, got %+v", missing)
	}
}
