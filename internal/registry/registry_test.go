package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gpubroker/internal/store"
	"github.com/me/gpubroker/pkg/model"
)

var (
	testNow   = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	testOwner = &model.User{ID: "user_owner1", Username: "owner1", Role: model.RoleHost}
	otherUser = &model.User{ID: "user_other", Username: "other", Role: model.RoleHost}
	admin     = &model.User{ID: "user_admin", Username: "admin", Role: model.RoleAdmin}
)

func testSetup(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logger), st
}

func descriptor(id string) *model.Host {
	return &model.Host{
		ID:           id,
		GPUModel:     "RTX 4090",
		VRAMGB:       24,
		GPUCount:     1,
		PricePerHour: 2.50,
		Location:     "us-east",
	}
}

func TestRegister(t *testing.T) {
	r, _ := testSetup(t)
	ctx := context.Background()

	h, err := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.Status != model.HostStatusIdle {
		t.Errorf("status = %q, want idle", h.Status)
	}
	if h.OwnerID != testOwner.ID {
		t.Errorf("owner = %q, want %q", h.OwnerID, testOwner.ID)
	}
	if !h.LastHeartbeatAt.Equal(testNow) || !h.IdleSince.Equal(testNow) {
		t.Error("timestamps not initialized to registration time")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r, _ := testSetup(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, descriptor("rig-1"), testOwner, testNow); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestRegister_ReactivatesOwnOfflineHost(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	h, _ := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	h.Status = model.HostStatusOffline
	h.TotalJobsCompleted = 5
	h.TotalEarnings = 12.5
	if err := st.UpdateHost(ctx, h); err != nil {
		t.Fatalf("update: %v", err)
	}

	fresh := descriptor("rig-1")
	fresh.PricePerHour = 3.00
	later := testNow.Add(time.Hour)
	got, err := r.Register(ctx, fresh, testOwner, later)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got.Status != model.HostStatusIdle || got.PricePerHour != 3.00 {
		t.Errorf("host = %s/%v, want idle/3.00", got.Status, got.PricePerHour)
	}
	// Lifetime counters survive the re-registration.
	if got.TotalJobsCompleted != 5 || got.TotalEarnings != 12.5 {
		t.Errorf("counters reset: %d/%v", got.TotalJobsCompleted, got.TotalEarnings)
	}
}

func TestRegister_OfflineHostOfAnotherUser(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	h, _ := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	h.Status = model.HostStatusOffline
	st.UpdateHost(ctx, h)

	_, err := r.Register(ctx, descriptor("rig-1"), otherUser, testNow)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestRegister_Invalid(t *testing.T) {
	r, _ := testSetup(t)
	bad := descriptor("rig-1")
	bad.PricePerHour = 0

	_, err := r.Register(context.Background(), bad, testOwner, testNow)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrValidation {
		t.Fatalf("err = %v, want VALIDATION_ERROR", err)
	}
}

func TestHeartbeat(t *testing.T) {
	r, _ := testSetup(t)
	ctx := context.Background()
	r.Register(ctx, descriptor("rig-1"), testOwner, testNow)

	later := testNow.Add(30 * time.Second)
	h, changed, err := r.Heartbeat(ctx, "rig-1", later)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if changed {
		t.Error("idle host heartbeat should not change status")
	}
	if !h.LastHeartbeatAt.Equal(later) {
		t.Errorf("last_heartbeat_at = %v, want %v", h.LastHeartbeatAt, later)
	}
}

func TestHeartbeat_UnknownHost(t *testing.T) {
	r, _ := testSetup(t)
	_, _, err := r.Heartbeat(context.Background(), "rig-ghost", testNow)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
}

func TestHeartbeat_RevivesOfflineHostIdle(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	h, _ := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	h.Status = model.HostStatusOffline
	st.UpdateHost(ctx, h)

	later := testNow.Add(5 * time.Minute)
	got, changed, err := r.Heartbeat(ctx, "rig-1", later)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !changed || got.Status != model.HostStatusIdle {
		t.Errorf("status = %q (changed=%v), want idle", got.Status, changed)
	}
	if !got.IdleSince.Equal(later) {
		t.Errorf("idle_since = %v, want %v", got.IdleSince, later)
	}
}

func TestHeartbeat_RevivesOfflineHostBusyWithLiveJob(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	h, _ := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	job := &model.Job{
		ID:             "job_live",
		RenterID:       "user_renter",
		Command:        "train",
		Status:         model.JobStatusRunning,
		AssignedHostID: "rig-1",
		SubmittedAt:    testNow,
	}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	h.Status = model.HostStatusOffline
	h.CurrentJobID = "job_live"
	st.UpdateHost(ctx, h)

	got, changed, err := r.Heartbeat(ctx, "rig-1", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !changed || got.Status != model.HostStatusBusy {
		t.Errorf("status = %q, want busy", got.Status)
	}
	if got.CurrentJobID != "job_live" {
		t.Errorf("current_job_id = %q, want job_live", got.CurrentJobID)
	}
}

func TestHeartbeat_StaleJobReferenceCleared(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	h, _ := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	job := &model.Job{
		ID:          "job_done",
		RenterID:    "user_renter",
		Command:     "train",
		Status:      model.JobStatusFailed,
		SubmittedAt: testNow,
	}
	st.CreateJob(ctx, job)
	h.Status = model.HostStatusOffline
	h.CurrentJobID = "job_done"
	st.UpdateHost(ctx, h)

	got, _, err := r.Heartbeat(ctx, "rig-1", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if got.Status != model.HostStatusIdle || got.CurrentJobID != "" {
		t.Errorf("host = %s/%q, want idle with no job", got.Status, got.CurrentJobID)
	}
}

func TestHeartbeat_PreservesConcurrentAssignment(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()
	r.Register(ctx, descriptor("rig-1"), testOwner, testNow)

	first := &model.Job{
		ID:          "job_first",
		RenterID:    "user_renter",
		Command:     "train",
		Status:      model.JobStatusPending,
		SubmittedAt: testNow,
	}
	if err := st.CreateJob(ctx, first); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.AssignJob(ctx, "job_first", "rig-1", testNow); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// A heartbeat landing after the pairing must not restore the host to
	// idle or clear its job reference.
	later := testNow.Add(30 * time.Second)
	h, changed, err := r.Heartbeat(ctx, "rig-1", later)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if changed {
		t.Error("heartbeat of an assigned host reported a status change")
	}
	if h.Status != model.HostStatusBusy || h.CurrentJobID != "job_first" {
		t.Fatalf("host = %s/%q, want busy with job_first", h.Status, h.CurrentJobID)
	}

	stored, _ := st.GetHost(ctx, "rig-1")
	if stored.Status != model.HostStatusBusy || stored.CurrentJobID != "job_first" {
		t.Fatalf("stored host = %s/%q, want busy with job_first", stored.Status, stored.CurrentJobID)
	}
	if !stored.LastHeartbeatAt.Equal(later) {
		t.Errorf("last_heartbeat_at = %v, want %v", stored.LastHeartbeatAt, later)
	}

	// With the pairing intact no second job can land on the host.
	second := &model.Job{
		ID:          "job_second",
		RenterID:    "user_renter",
		Command:     "train",
		Status:      model.JobStatusPending,
		SubmittedAt: later,
	}
	if err := st.CreateJob(ctx, second); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.AssignJob(ctx, "job_second", "rig-1", later); err != store.ErrAssignConflict {
		t.Fatalf("second assignment err = %v, want ErrAssignConflict", err)
	}
}

func TestDeregister(t *testing.T) {
	r, _ := testSetup(t)
	ctx := context.Background()
	r.Register(ctx, descriptor("rig-1"), testOwner, testNow)

	if err := r.Deregister(ctx, "rig-1", testOwner, testNow); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	h, _ := r.Get(ctx, "rig-1")
	if h.Status != model.HostStatusOffline {
		t.Errorf("status = %q, want offline", h.Status)
	}
}

func TestDeregister_Busy(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	h, _ := r.Register(ctx, descriptor("rig-1"), testOwner, testNow)
	h.Status = model.HostStatusBusy
	h.CurrentJobID = "job_x"
	st.UpdateHost(ctx, h)

	err := r.Deregister(ctx, "rig-1", testOwner, testNow)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrConflict {
		t.Fatalf("err = %v, want CONFLICT", err)
	}
}

func TestDeregister_Forbidden(t *testing.T) {
	r, _ := testSetup(t)
	ctx := context.Background()
	r.Register(ctx, descriptor("rig-1"), testOwner, testNow)

	err := r.Deregister(ctx, "rig-1", otherUser, testNow)
	apiErr, ok := err.(*model.APIError)
	if !ok || apiErr.Code != model.ErrForbidden {
		t.Fatalf("err = %v, want FORBIDDEN", err)
	}

	// Admins may deregister any host.
	if err := r.Deregister(ctx, "rig-1", admin, testNow); err != nil {
		t.Fatalf("admin deregister: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	live, _ := r.Register(ctx, descriptor("rig-live"), testOwner, testNow)
	stale, _ := r.Register(ctx, descriptor("rig-stale"), testOwner, testNow)
	stale.LastHeartbeatAt = testNow.Add(-2 * time.Minute)
	st.UpdateHost(ctx, stale)
	_ = live

	expired, err := r.SweepExpired(ctx, testNow, 90*time.Second)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "rig-stale" {
		t.Fatalf("expired = %+v, want only rig-stale", expired)
	}

	// The scan itself must not mutate anything.
	h, _ := r.Get(ctx, "rig-stale")
	if h.Status != model.HostStatusIdle {
		t.Errorf("sweep mutated host status to %q", h.Status)
	}
}

func TestMarketplace(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	idle, _ := r.Register(ctx, descriptor("rig-idle"), testOwner, testNow)
	_ = idle

	busy := descriptor("rig-busy")
	busy.PricePerHour = 1.00
	b, _ := r.Register(ctx, busy, testOwner, testNow)
	b.Status = model.HostStatusBusy
	b.CurrentJobID = "job_x"
	st.UpdateHost(ctx, b)

	off := descriptor("rig-off")
	o, _ := r.Register(ctx, off, testOwner, testNow)
	o.Status = model.HostStatusOffline
	st.UpdateHost(ctx, o)

	listed, err := r.Marketplace(ctx, model.MarketplaceFilter{})
	if err != nil {
		t.Fatalf("marketplace: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("listed = %d, want 2 (idle and busy, never offline)", len(listed))
	}
	for _, h := range listed {
		if h.ID == "rig-off" {
			t.Error("offline host listed in marketplace")
		}
	}

	// Filters narrow the listing with the matcher's predicates.
	cheap, err := r.Marketplace(ctx, model.MarketplaceFilter{MaxPrice: 1.50})
	if err != nil {
		t.Fatalf("marketplace: %v", err)
	}
	if len(cheap) != 1 || cheap[0].ID != "rig-busy" {
		t.Errorf("filtered = %+v, want only rig-busy", cheap)
	}
}
