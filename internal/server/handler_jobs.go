package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// GET /api/v1/jobs?status=&limit=&offset=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	jobs, total, err := s.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, jobs, pagination(opts, len(jobs), total))
}

// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

// handleReportStatus lets the owning gateway's agent report a job status.
// Reports against finished jobs succeed without changing anything.
// PUT /api/v1/jobs/{id}/status
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	gw := GatewayFromContext(r.Context())

	var req model.StatusReport
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	job, err := s.jobs.ReportStatus(r.Context(), chi.URLParam(r, "id"), gw.ID, req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}
