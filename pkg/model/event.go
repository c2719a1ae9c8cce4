package model

import "time"

// EventType classifies bus events.
type EventType string

const (
	// EventJobStatus announces a job status transition on the job's topic.
	EventJobStatus EventType = "job_status"
	// EventHostStatus announces a host status transition on the host's topic.
	EventHostStatus EventType = "host_status"
	// EventAssignment pushes a matched job to the assigned host's topic.
	EventAssignment EventType = "assignment"
	// EventCancel signals the assigned host to abort the named job.
	EventCancel EventType = "cancel"
)

// Event is a transient notification published on the event bus.
// Delivery is at-least-once per live subscription; there is no replay, so
// reconnecting consumers re-read current state before resubscribing.
type Event struct {
	Type   EventType `json:"type"`
	JobID  string    `json:"job_id,omitempty"`
	HostID string    `json:"host_id,omitempty"`
	Status string    `json:"status,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
	// Job carries the full job on assignment events so the host agent can
	// start work without a round trip.
	Job *Job `json:"job,omitempty"`
}

// JobTopic returns the bus topic for a job's updates.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// HostTopic returns the bus topic for a host's updates and signals.
func HostTopic(hostID string) string {
	return "host:" + hostID
}

// JobEvent is one row of a job's persisted status history.
type JobEvent struct {
	ID     int64     `json:"id"`
	JobID  string    `json:"job_id"`
	From   JobStatus `json:"from"`
	To     JobStatus `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Transition reasons recorded in job history. Liveness reasons are status
// signals, not API errors.
const (
	ReasonSubmitted  = "submitted"
	ReasonMatched    = "matched"
	ReasonStarted    = "started"
	ReasonCompleted  = "completed"
	ReasonHostLost   = "host_lost"
	ReasonAckTimeout = "ack_timeout"
	ReasonExhausted  = "max_attempts_exhausted"
	ReasonCancelled  = "cancelled_by_renter"
	ReasonExecFailed = "execution_failed"
)
