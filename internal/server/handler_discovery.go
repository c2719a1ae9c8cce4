package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "GPU Broker API",
		Version:     "v1",
		Description: "Peer-to-peer GPU compute brokerage: host registration, job queueing, and price-based matching",
		Endpoints: []endpointInfo{
			{"/api/v1/jobs", []string{"GET", "POST"}, "Submit jobs and list your own"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job detail"},
			{"/api/v1/jobs/{id}/cancel", []string{"PUT"}, "Cancel a job (idempotent)"},
			{"/api/v1/jobs/{id}/events", []string{"GET"}, "Job status history"},
			{"/api/v1/jobs/{id}/artifacts", []string{"GET"}, "Presigned download links for logs and results"},
			{"/api/v1/hosts", []string{"GET", "POST"}, "Register GPU hosts and list your own"},
			{"/api/v1/hosts/{id}", []string{"GET", "DELETE"}, "Single host detail and deregistration"},
			{"/api/v1/hosts/{id}/heartbeat", []string{"PUT"}, "Host liveness heartbeat (every 30s)"},
			{"/api/v1/hosts/{id}/jobs/{jobID}/started", []string{"POST"}, "Host acknowledges job start"},
			{"/api/v1/hosts/{id}/jobs/{jobID}/complete", []string{"POST"}, "Host reports job result"},
			{"/api/v1/marketplace", []string{"GET"}, "Browse online hosts with optional filters"},
			{"/api/v1/admin/stats", []string{"GET"}, "Platform counters (admin only)"},
			{"/api/v1/sse/jobs/{id}", []string{"GET"}, "Live job updates via Server-Sent Events"},
			{"/api/v1/sse/hosts/{id}", []string{"GET"}, "Live host updates and assignments via Server-Sent Events"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
