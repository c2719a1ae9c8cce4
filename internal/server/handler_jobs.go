package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/gpubroker/pkg/model"
)

// handleSubmitJob accepts a new job into the queue.
// POST /api/v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())

	var req struct {
		Command         string  `json:"command"`
		DockerImage     string  `json:"docker_image"`
		MaxRuntimeHours float64 `json:"max_runtime_hours"`
		GPUModelFilter  string  `json:"gpu_model_filter"`
		MinVRAMGB       int     `json:"min_vram_gb"`
		MaxPricePerHour float64 `json:"max_price_per_hour"`
		LocationFilter  string  `json:"location_filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	job := &model.Job{
		Command:         req.Command,
		DockerImage:     req.DockerImage,
		MaxRuntimeHours: req.MaxRuntimeHours,
		GPUModelFilter:  req.GPUModelFilter,
		MinVRAMGB:       req.MinVRAMGB,
		MaxPricePerHour: req.MaxPricePerHour,
		LocationFilter:  req.LocationFilter,
	}

	job, err := s.queue.Submit(r.Context(), job, userCtx.User, time.Now().UTC())
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}

	// Wake the scheduler so the job does not wait a full tick.
	if s.scheduler != nil {
		s.scheduler.Notify()
	}
	respondCreated(w, reqID, job)
}

// handleListJobs returns the caller's jobs, newest first. Admins may
// pass ?renter_id= to inspect another account.
// GET /api/v1/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())

	renterID := userCtx.User.ID
	if q := r.URL.Query().Get("renter_id"); q != "" && userCtx.User.IsAdmin() {
		renterID = q
	}

	opts := listOptionsFromQuery(r)
	jobs, total, err := s.queue.ListByRenter(r.Context(), renterID, opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

// handleGetJob returns one job. Renters only see their own jobs.
// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
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

	respondOK(w, reqID, job)
}

// handleCancelJob asks the scheduler to cancel a job. Ownership and
// cancellability are checked here so the caller gets a synchronous
// verdict; the state change itself happens on the scheduler goroutine.
// PUT /api/v1/jobs/{id}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.queue.CheckCancellable(r.Context(), id, userCtx.User)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}

	if job.Status == model.JobStatusCancelled {
		// Repeat cancels are accepted without new work.
		respondOK(w, reqID, map[string]any{"job_id": job.ID, "status": job.Status})
		return
	}

	if !s.schedulerReady(w, reqID) {
		return
	}
	s.scheduler.RequestCancel(job.ID)
	s.logger.Info("cancel requested", "job_id", job.ID, "user", userCtx.User.Username)
	respondAccepted(w, reqID, map[string]any{"job_id": job.ID, "status": "cancelling"})
}

// handleJobEvents returns a job's persisted status history.
// GET /api/v1/jobs/{id}/events
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
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

	history, err := s.queue.History(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, history)
}

// handleJobArtifacts returns presigned download links for a finished
// job's log and result bundle.
// GET /api/v1/jobs/{id}/artifacts
func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	userCtx := UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if s.artifacts == nil {
		respondError(w, reqID, http.StatusNotFound, &model.APIError{
			Code:    model.ErrNotFound,
			Message: "artifact storage is not configured",
		})
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		respondAPIError(w, reqID, err)
		return
	}
	if job.RenterID != userCtx.User.ID && !userCtx.User.IsAdmin() {
		respondAPIError(w, reqID, model.NewForbiddenError("job belongs to another renter"))
		return
	}
	if !job.Status.IsTerminal() {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: "artifacts are available once the job finishes",
		})
		return
	}

	urls, err := s.artifacts.DownloadURLs(r.Context(), job)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondOK(w, reqID, urls)
}

// listOptionsFromQuery parses limit/offset/status query parameters.
func listOptionsFromQuery(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts.Status = r.URL.Query().Get("status")
	opts.Clamp()
	return opts
}
