package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// HeaderOwner optionally names the submitting user of a job group.
const HeaderOwner = "X-Testbed-User"

// handleCreateJobGroup creates a group and its jobs in preparing state.
// POST /api/v1/job-groups
func (s *Server) handleCreateJobGroup(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.CreateJobGroupRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	g, err := s.jobs.CreateGroup(r.Context(), r.Header.Get(HeaderOwner), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, g)
}

// handleListJobGroups returns groups newest first.
// GET /api/v1/job-groups?status=&owner=&limit=&offset=
func (s *Server) handleListJobGroups(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	if opts.Status != "" && !model.Status(opts.Status).Valid() {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid status filter",
			model.FieldError{Field: "status", Message: "unknown status " + opts.Status}))
		return
	}

	groups, total, err := s.jobs.ListGroups(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, groups, pagination(opts, len(groups), total))
}

// GET /api/v1/job-groups/{id}
func (s *Server) handleGetJobGroup(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	g, err := s.jobs.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, g)
}

// handleJobGroupStatus returns per-status job counts and device states.
// GET /api/v1/job-groups/{id}/status
func (s *Server) handleJobGroupStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	summary, err := s.jobs.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, summary)
}

// handleCancelJobGroup cancels a group and its unfinished jobs.
// PUT /api/v1/job-groups/{id}/cancel
func (s *Server) handleCancelJobGroup(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	g, err := s.jobs.CancelGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, g)
}

// handleQueue lists pending groups in dispatch order.
// GET /api/v1/job-groups/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	entries, err := s.jobs.Queue(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, entries)
}
