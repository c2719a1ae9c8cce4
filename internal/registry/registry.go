// Package registry manages the host side of the marketplace: registration,
// heartbeats, deregistration, and liveness scans.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/gpubroker/internal/store"
	"github.com/me/gpubroker/pkg/model"
)

// Registry coordinates host lifecycle against the store.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Registry.
func New(st store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		logger: logger.With("component", "registry"),
	}
}

// Register adds a host to the registry in the idle state.
//
// Host ids are owner-assigned. Registering an id that is already online
// fails with CONFLICT; an offline id owned by the same user is
// re-activated with the new descriptor, keeping its lifetime counters.
func (r *Registry) Register(ctx context.Context, h *model.Host, owner *model.User, now time.Time) (*model.Host, error) {
	h.OwnerID = owner.ID
	if errs := h.Validate(); len(errs) > 0 {
		return nil, model.NewValidationError("invalid host descriptor", errs...)
	}

	existing, err := r.store.GetHost(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	if existing != nil {
		if existing.Status.Online() || existing.OwnerID != owner.ID {
			return nil, model.NewDuplicateHostError(h.ID)
		}
		// Offline host owned by the caller: refresh the descriptor and
		// bring it back idle.
		existing.GPUModel = h.GPUModel
		existing.VRAMGB = h.VRAMGB
		existing.GPUCount = h.GPUCount
		existing.PricePerHour = h.PricePerHour
		existing.Location = h.Location
		existing.Status = model.HostStatusIdle
		existing.CurrentJobID = ""
		existing.LastHeartbeatAt = now
		existing.IdleSince = now
		if err := r.store.UpdateHost(ctx, existing); err != nil {
			return nil, fmt.Errorf("reactivate host: %w", err)
		}
		r.logger.Info("host reactivated", "host_id", existing.ID, "owner", owner.Username)
		return existing, nil
	}

	h.Status = model.HostStatusIdle
	h.CurrentJobID = ""
	h.LastHeartbeatAt = now
	h.IdleSince = now
	h.RegisteredAt = now
	if err := r.store.CreateHost(ctx, h); err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	r.logger.Info("host registered", "host_id", h.ID, "gpu_model", h.GPUModel, "price", h.PricePerHour)
	return h, nil
}

// Heartbeat refreshes a host's liveness timestamp. An offline host comes
// back online: busy if its previously assigned job is still live on it,
// idle otherwise. Returns the host and whether its status changed.
//
// An online heartbeat only touches last_heartbeat_at, and revival runs
// inside a store transaction, so heartbeats arriving on HTTP goroutines
// never overwrite a pairing the scheduler wrote concurrently.
func (r *Registry) Heartbeat(ctx context.Context, hostID string, now time.Time) (*model.Host, bool, error) {
	h, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, false, fmt.Errorf("get host: %w", err)
	}
	if h == nil {
		return nil, false, model.NewUnknownHostError(hostID)
	}

	if h.Status == model.HostStatusOffline {
		revived, err := r.store.ReviveHost(ctx, hostID, now)
		if err != nil {
			return nil, false, fmt.Errorf("revive host: %w", err)
		}
		if revived != nil {
			r.logger.Info("host back online", "host_id", revived.ID, "status", revived.Status)
			return revived, true, nil
		}
		// Something else brought the host back between the read and the
		// transaction; re-read and fall through to a plain touch.
		h, err = r.store.GetHost(ctx, hostID)
		if err != nil {
			return nil, false, fmt.Errorf("get host: %w", err)
		}
		if h == nil {
			return nil, false, model.NewUnknownHostError(hostID)
		}
	}

	if err := r.store.TouchHostHeartbeat(ctx, hostID, now); err != nil {
		return nil, false, fmt.Errorf("touch heartbeat: %w", err)
	}
	h.LastHeartbeatAt = now
	return h, false, nil
}

// Deregister takes a host off the marketplace. The row is kept offline so
// lifetime counters survive a later re-registration. Only the owner or an
// admin may deregister, and never while a job is assigned.
func (r *Registry) Deregister(ctx context.Context, hostID string, user *model.User, now time.Time) error {
	h, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("get host: %w", err)
	}
	if h == nil {
		return model.NewUnknownHostError(hostID)
	}
	if h.OwnerID != user.ID && !user.IsAdmin() {
		return model.NewForbiddenError("host belongs to another user")
	}
	if h.Status == model.HostStatusBusy {
		return model.NewHostBusyError(h.ID, h.CurrentJobID)
	}

	ok, err := r.store.DeregisterHost(ctx, hostID)
	if err != nil {
		return fmt.Errorf("deregister host: %w", err)
	}
	if !ok {
		// The busy exclusion in the write missed: an assignment landed
		// between the read above and the update.
		if fresh, err := r.store.GetHost(ctx, hostID); err == nil && fresh != nil {
			return model.NewHostBusyError(fresh.ID, fresh.CurrentJobID)
		}
		return model.NewHostBusyError(hostID, "")
	}
	r.logger.Info("host deregistered", "host_id", h.ID)
	return nil
}

// SweepExpired returns online hosts whose last heartbeat is older than
// timeout. It is a pure scan; the scheduler loop applies the transitions.
func (r *Registry) SweepExpired(ctx context.Context, now time.Time, timeout time.Duration) ([]*model.Host, error) {
	var expired []*model.Host
	for _, status := range []model.HostStatus{model.HostStatusIdle, model.HostStatusBusy} {
		hosts, err := r.store.ListHostsByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s hosts: %w", status, err)
		}
		for _, h := range hosts {
			if h.HeartbeatExpired(now, timeout) {
				expired = append(expired, h)
			}
		}
	}
	return expired, nil
}

// MarkOffline transitions a host to offline after a missed heartbeat
// window. CurrentJobID is kept so a late heartbeat can resume a job that
// is still assigned.
func (r *Registry) MarkOffline(ctx context.Context, h *model.Host) error {
	h.Status = model.HostStatusOffline
	if err := r.store.UpdateHost(ctx, h); err != nil {
		return fmt.Errorf("update host: %w", err)
	}
	r.logger.Warn("host expired", "host_id", h.ID, "last_heartbeat", h.LastHeartbeatAt)
	return nil
}

// Free returns a busy host to the idle pool.
func (r *Registry) Free(ctx context.Context, h *model.Host, now time.Time) error {
	h.Status = model.HostStatusIdle
	h.CurrentJobID = ""
	h.IdleSince = now
	if err := r.store.UpdateHost(ctx, h); err != nil {
		return fmt.Errorf("update host: %w", err)
	}
	return nil
}

// Get returns a host or an UnknownHost error.
func (r *Registry) Get(ctx context.Context, hostID string) (*model.Host, error) {
	h, err := r.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	if h == nil {
		return nil, model.NewUnknownHostError(hostID)
	}
	return h, nil
}

// Marketplace lists online hosts (idle and busy, never offline) that pass
// the filter. The predicates are shared with the matcher.
func (r *Registry) Marketplace(ctx context.Context, filter model.MarketplaceFilter) ([]*model.Host, error) {
	var listed []*model.Host
	for _, status := range []model.HostStatus{model.HostStatusIdle, model.HostStatusBusy} {
		hosts, err := r.store.ListHostsByStatus(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list %s hosts: %w", status, err)
		}
		for _, h := range hosts {
			if filter.Matches(h) {
				listed = append(listed, h)
			}
		}
	}
	return listed, nil
}
