package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/gpubroker/pkg/model"
)

// sseKeepalive is how often a comment line is sent on a quiet stream so
// proxies do not drop the connection.
const sseKeepalive = 15 * time.Second

// handleSSEJob streams a job's live updates via Server-Sent Events.
//
// The stream opens with the job's current state; only events published
// after that are delivered. A reconnecting client therefore never misses
// a transition: the init snapshot covers the gap.
// GET /api/v1/sse/jobs/{id}
func (s *Server) handleSSEJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	if job.RenterID != userCtx.User.ID && !userCtx.User.IsAdmin() {
		respondAPIError(w, reqID, model.NewForbiddenError("job belongs to another renter"))
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	// Subscribe before the snapshot so nothing slips between them.
	sub := s.bus.Subscribe(model.JobTopic(id))
	defer sub.Close()

	if err := sendSSEEvent(w, flusher, "init", job); err != nil {
		s.logger.Debug("sse client disconnected", "job_id", id)
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				s.logger.Debug("sse client disconnected", "job_id", id)
				return
			}
			if model.JobStatus(ev.Status).IsTerminal() {
				return
			}
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleSSEHost streams a host's live updates, including assignments and
// cancel signals. Only the host's owner or an admin may subscribe.
// GET /api/v1/sse/hosts/{id}
func (s *Server) handleSSEHost(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	host, err := s.registry.Get(r.Context(), id)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	if host.OwnerID != userCtx.User.ID && !userCtx.User.IsAdmin() {
		respondAPIError(w, reqID, model.NewForbiddenError("host belongs to another user"))
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	sub := s.bus.Subscribe(model.HostTopic(id))
	defer sub.Close()

	if err := sendSSEEvent(w, flusher, "init", host); err != nil {
		s.logger.Debug("sse client disconnected", "host_id", id)
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := sendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				s.logger.Debug("sse client disconnected", "host_id", id)
				return
			}
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
