package model

import (
	"strings"
	"time"
)

// HostStatus represents the lifecycle state of a Host.
type HostStatus string

const (
	// HostStatusIdle means the host is heartbeating and has no job assigned.
	HostStatusIdle HostStatus = "online_idle"
	// HostStatusBusy means the host is heartbeating and has exactly one job assigned.
	HostStatusBusy HostStatus = "online_busy"
	// HostStatusOffline means the host missed its heartbeat window or deregistered.
	HostStatusOffline HostStatus = "offline"
)

// String returns the string representation of the host status.
func (s HostStatus) String() string {
	return string(s)
}

// Online returns true if the host is heartbeating (idle or busy).
func (s HostStatus) Online() bool {
	return s == HostStatusIdle || s == HostStatusBusy
}

// ValidHostTransitions defines the allowed state transitions for Hosts.
// Offline hosts may come back busy when a heartbeat arrives while their
// previously assigned job is still live.
var ValidHostTransitions = map[HostStatus][]HostStatus{
	HostStatusIdle:    {HostStatusBusy, HostStatusOffline},
	HostStatusBusy:    {HostStatusIdle, HostStatusOffline},
	HostStatusOffline: {HostStatusIdle, HostStatusBusy},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s HostStatus) CanTransitionTo(next HostStatus) bool {
	for _, allowed := range ValidHostTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Host is a GPU machine offered for rent by its owner.
//
// CurrentJobID is non-empty exactly when Status is HostStatusBusy, and the
// referenced job points back via AssignedHostID. The scheduler loop is the
// only writer that moves hosts between idle and busy.
type Host struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	GPUModel     string  `json:"gpu_model"`
	VRAMGB       int     `json:"vram_gb"`
	GPUCount     int     `json:"gpu_count"`
	PricePerHour float64 `json:"price_per_hour"`
	Location     string  `json:"location"`

	Status       HostStatus `json:"status"`
	CurrentJobID string     `json:"current_job_id,omitempty"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// IdleSince records when the host last became available; the matcher
	// prefers older values when prices tie.
	IdleSince    time.Time `json:"idle_since"`
	RegisteredAt time.Time `json:"registered_at"`

	TotalJobsCompleted int     `json:"total_jobs_completed"`
	TotalEarnings      float64 `json:"total_earnings"`
}

// Validate checks registration fields and returns any violations.
// Bounds follow the marketplace listing rules (1-8 GPUs, price up to 1000/hr).
func (h *Host) Validate() []FieldError {
	var errs []FieldError
	if strings.TrimSpace(h.ID) == "" {
		errs = append(errs, FieldError{Field: "id", Message: "host id is required"})
	}
	if strings.TrimSpace(h.GPUModel) == "" {
		errs = append(errs, FieldError{Field: "gpu_model", Message: "gpu_model is required"})
	}
	if h.VRAMGB <= 0 {
		errs = append(errs, FieldError{Field: "vram_gb", Message: "must be positive"})
	}
	if h.GPUCount < 1 || h.GPUCount > 8 {
		errs = append(errs, FieldError{Field: "gpu_count", Message: "must be between 1 and 8"})
	}
	if h.PricePerHour <= 0 || h.PricePerHour > 1000 {
		errs = append(errs, FieldError{Field: "price_per_hour", Message: "must be between 0 and 1000"})
	}
	if strings.TrimSpace(h.Location) == "" {
		errs = append(errs, FieldError{Field: "location", Message: "location is required"})
	}
	return errs
}

// HeartbeatExpired returns true if the host's last heartbeat is older than timeout.
func (h *Host) HeartbeatExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(h.LastHeartbeatAt) > timeout
}
