package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/gpubroker/pkg/model"
)

// handleRegisterHost adds a host to the marketplace.
// POST /api/v1/hosts
func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())

	var req struct {
		ID           string  `json:"id"`
		GPUModel     string  `json:"gpu_model"`
		VRAMGB       int     `json:"vram_gb"`
		GPUCount     int     `json:"gpu_count"`
		PricePerHour float64 `json:"price_per_hour"`
		Location     string  `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	host := &model.Host{
		ID:           req.ID,
		GPUModel:     req.GPUModel,
		VRAMGB:       req.VRAMGB,
		GPUCount:     req.GPUCount,
		PricePerHour: req.PricePerHour,
		Location:     req.Location,
	}

	host, err := s.registry.Register(r.Context(), host, userCtx.User, time.Now().UTC())
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}

	if s.scheduler != nil {
		s.scheduler.Notify()
	}
	respondCreated(w, reqID, host)
}

// handleListHosts returns the caller's hosts. Admins see all hosts.
// GET /api/v1/hosts
func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())

	opts := listOptionsFromQuery(r)

	// Pagination runs over the owner's rows, not the global list, so an
	// owner's hosts never vanish behind other users' pages.
	var (
		hosts []*model.Host
		total int
		err   error
	)
	if userCtx.User.IsAdmin() {
		hosts, total, err = s.store.ListHosts(r.Context(), opts)
	} else {
		hosts, total, err = s.store.ListHostsByOwner(r.Context(), userCtx.User.ID, opts)
	}
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	respondList(w, reqID, hosts, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(hosts) < total,
	})
}

// handleGetHost returns one host.
// GET /api/v1/hosts/{id}
func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	host, err := s.registry.Get(r.Context(), id)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	respondOK(w, reqID, host)
}

// handleDeregisterHost takes a host off the marketplace.
// DELETE /api/v1/hosts/{id}
func (s *Server) handleDeregisterHost(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.registry.Deregister(r.Context(), id, userCtx.User, time.Now().UTC()); err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "status": model.HostStatusOffline})
}

// handleHostHeartbeat refreshes a host's liveness timestamp. An offline
// host comes back online; its pre-outage job resumes if still assigned.
// PUT /api/v1/hosts/{id}/heartbeat
func (s *Server) handleHostHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	host, revived, err := s.registry.Heartbeat(r.Context(), id, time.Now().UTC())
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}

	if revived && s.scheduler != nil {
		// A host just came back idle; give it work without waiting.
		s.scheduler.Notify()
	}

	respondOK(w, reqID, map[string]any{
		"host_id":        host.ID,
		"status":         host.Status,
		"current_job_id": host.CurrentJobID,
	})
}

// handleJobStarted records the host's acknowledgement that it began the
// assigned job. The scheduler validates the report on its own goroutine;
// a stale or bogus report is dropped there.
// POST /api/v1/hosts/{id}/jobs/{jobID}/started
func (s *Server) handleJobStarted(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	hostID := chi.URLParam(r, "id")
	jobID := chi.URLParam(r, "jobID")

	if !s.schedulerReady(w, reqID) {
		return
	}
	s.scheduler.ReportStarted(jobID, hostID)
	respondAccepted(w, reqID, map[string]any{"job_id": jobID, "host_id": hostID})
}

// handleJobComplete records the host's final result for a job. A zero
// exit code (or an explicit "completed" state) counts as success;
// anything else requeues or fails the job.
// POST /api/v1/hosts/{id}/jobs/{jobID}/complete
func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	hostID := chi.URLParam(r, "id")
	jobID := chi.URLParam(r, "jobID")

	var req struct {
		State      string `json:"state"`
		ExitCode   *int   `json:"exit_code"`
		Error      string `json:"error"`
		LogURL     string `json:"log_url"`
		ResultsURL string `json:"results_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	result := &model.JobResult{
		ExitCode:   req.ExitCode,
		Error:      req.Error,
		LogURL:     req.LogURL,
		ResultsURL: req.ResultsURL,
	}

	success := req.State == string(model.JobStatusCompleted)
	if req.State == "" {
		success = req.ExitCode != nil && *req.ExitCode == 0
	}

	if !s.schedulerReady(w, reqID) {
		return
	}
	if success {
		s.scheduler.ReportCompleted(jobID, hostID, result)
	} else {
		s.scheduler.ReportFailed(jobID, hostID, result)
	}
	respondAccepted(w, reqID, map[string]any{"job_id": jobID, "host_id": hostID})
}

// handleUploadArtifacts hands the assigned host presigned PUT links for
// the job's log and result bundle.
// GET /api/v1/hosts/{id}/jobs/{jobID}/artifacts
func (s *Server) handleUploadArtifacts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	hostID := chi.URLParam(r, "id")
	jobID := chi.URLParam(r, "jobID")

	if s.artifacts == nil {
		respondError(w, reqID, http.StatusNotFound, &model.APIError{
			Code:    model.ErrNotFound,
			Message: "artifact storage is not configured",
		})
		return
	}

	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	if job.AssignedHostID != hostID {
		respondAPIError(w, reqID, model.NewForbiddenError("job is not assigned to this host"))
		return
	}

	urls, err := s.artifacts.UploadURLs(r.Context(), jobID)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, urls)
}

// handleMarketplace lists online hosts matching the optional filters.
// Offline hosts never appear here.
// GET /api/v1/marketplace
func (s *Server) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	filter := model.MarketplaceFilter{
		GPUModel: r.URL.Query().Get("gpu_model"),
		Location: r.URL.Query().Get("location"),
	}
	if v := r.URL.Query().Get("min_vram_gb"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.MinVRAMGB = n
		}
	}
	if v := r.URL.Query().Get("max_price"); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MaxPrice = p
		}
	}

	hosts, err := s.registry.Marketplace(r.Context(), filter)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, hosts)
}
