package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

// ErrAssignConflict is returned by AssignJob when the job or host moved
// out of the expected state between the match decision and the write.
var ErrAssignConflict = errors.New("assignment conflict: job or host state changed")

// Store defines the persistence layer for broker entities.
type Store interface {
	// Host CRUD
	CreateHost(ctx context.Context, h *model.Host) error
	GetHost(ctx context.Context, id string) (*model.Host, error)
	UpdateHost(ctx context.Context, h *model.Host) error
	DeleteHost(ctx context.Context, id string) error
	ListHosts(ctx context.Context, opts model.ListOptions) ([]*model.Host, int, error)
	ListHostsByOwner(ctx context.Context, ownerID string, opts model.ListOptions) ([]*model.Host, int, error)
	ListHostsByStatus(ctx context.Context, status model.HostStatus) ([]*model.Host, error)
	CountHostsByStatus(ctx context.Context) (map[model.HostStatus]int, error)

	// TouchHostHeartbeat updates only the host's liveness timestamp.
	// Status and current_job_id are left to the scheduler's guarded
	// writes, so a heartbeat can never undo a concurrent assignment.
	TouchHostHeartbeat(ctx context.Context, hostID string, now time.Time) error

	// ReviveHost brings an offline host back online in one transaction:
	// busy if its recorded job is still live and assigned to it, idle
	// otherwise. Returns the updated host, or nil when the host does
	// not exist or is no longer offline.
	ReviveHost(ctx context.Context, hostID string, now time.Time) (*model.Host, error)

	// DeregisterHost marks a host offline and clears its job reference.
	// The busy exclusion is part of the write, so an assignment landing
	// concurrently makes the update miss. Reports whether the row changed.
	DeregisterHost(ctx context.Context, hostID string) (bool, error)

	// Job CRUD
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	ListJobsByRenter(ctx context.Context, renterID string, opts model.ListOptions) ([]*model.Job, int, error)
	ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	CountJobsByStatus(ctx context.Context) (map[model.JobStatus]int, error)

	// AssignJob atomically pairs a pending job with an idle host.
	// Both rows are updated in one transaction with status guards;
	// ErrAssignConflict is returned if either guard misses.
	AssignJob(ctx context.Context, jobID, hostID string, now time.Time) error

	// Job status history
	AppendJobEvent(ctx context.Context, ev *model.JobEvent) error
	ListJobEvents(ctx context.Context, jobID string) ([]*model.JobEvent, error)

	// Users and tokens
	GetOrCreateUser(ctx context.Context, username string, role model.UserRole) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	CountUsers(ctx context.Context) (int, error)
	PutToken(ctx context.Context, t *model.Token) error
	GetToken(ctx context.Context, token string) (*model.Token, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
