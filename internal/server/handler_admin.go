package server

import (
	"net/http"

	"github.com/me/gpubroker/pkg/model"
)

type adminStats struct {
	Users int                      `json:"users"`
	Jobs  map[model.JobStatus]int  `json:"jobs"`
	Hosts map[model.HostStatus]int `json:"hosts"`
}

// handleAdminStats returns platform-wide counters.
// GET /api/v1/admin/stats
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	users, err := s.store.CountUsers(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	jobs, err := s.store.CountJobsByStatus(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	hosts, err := s.store.CountHostsByStatus(r.Context())
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}

	respondOK(w, reqID, adminStats{Users: users, Jobs: jobs, Hosts: hosts})
}
