package server

import (
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/broker"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// pollWait reads ?wait= as a duration, defaulting to the broker's pop
// timeout and capped at maxPollWait.
func pollWait(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return broker.DefaultPopTimeout, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		d = 0
	}
	if d > maxPollWait {
		d = maxPollWait
	}
	return d, nil
}

// handlePollDownloads hands the next download message to a gateway agent.
// GET /api/v1/agent/{gateway_id}/downloads?wait=30s
// Returns 200 with the message or 204 No Content when the wait expires.
func (s *Server) handlePollDownloads(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	gatewayID := chi.URLParam(r, "gateway_id")
	if !requireGateway(w, r, gatewayID) {
		return
	}
	wait, err := pollWait(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid wait",
			model.FieldError{Field: "wait", Message: err.Error()}))
		return
	}

	msg, err := s.broker.PopDownload(r.Context(), gatewayID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		respondErr(w, reqID, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Debug("download handed out", "gateway_id", gatewayID, "job_id", msg.JobID)
	respondOK(w, reqID, msg)
}

// handlePollJobs hands the next dispatch message to a gateway agent.
// GET /api/v1/agent/{gateway_id}/jobs?wait=30s
func (s *Server) handlePollJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	gatewayID := chi.URLParam(r, "gateway_id")
	if !requireGateway(w, r, gatewayID) {
		return
	}
	wait, err := pollWait(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid wait",
			model.FieldError{Field: "wait", Message: err.Error()}))
		return
	}

	msg, err := s.broker.PopJob(r.Context(), gatewayID, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		respondErr(w, reqID, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.logger.Debug("dispatch handed out", "gateway_id", gatewayID, "job_id", msg.JobID)
	respondOK(w, reqID, msg)
}

// LogKey is the artifact key under which a job's device log is stored.
func LogKey(jobID string) string {
	return path.Join("logs", jobID, "device.log")
}

// handleUploadJobLog stores a job's captured device log and returns its reference.
// Only the gateway that owns the job may upload it.
// PUT /api/v1/agent/{gateway_id}/artifacts/{job_id}
func (s *Server) handleUploadJobLog(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	gatewayID := chi.URLParam(r, "gateway_id")
	jobID := chi.URLParam(r, "job_id")
	if !requireGateway(w, r, gatewayID) {
		return
	}
	if s.artifacts == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewInternalError("artifact storage is not configured"))
		return
	}

	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	d, err := s.store.GetDevice(r.Context(), job.DeviceID)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if d == nil || d.GatewayID != gatewayID {
		respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
			Code:    model.ErrUnauthorized,
			Message: "job " + jobID + " does not belong to gateway " + gatewayID,
		})
		return
	}

	key, n, err := s.artifacts.Put(r.Context(), LogKey(jobID), r.Body)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("device log stored", "job_id", jobID, "bytes", n)
	respondCreated(w, reqID, map[string]any{"output_ref": key, "size": n})
}
