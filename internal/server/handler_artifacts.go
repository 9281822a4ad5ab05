package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/internal/artifact"
	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// handlePutArtifact uploads a firmware source archive. The returned key is
// used as a job's source_ref.
// PUT /api/v1/artifacts/{key...}
func (s *Server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.artifacts == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewInternalError("artifact storage is not configured"))
		return
	}

	key, err := artifact.CleanKey(chi.URLParam(r, "*"))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid artifact key",
			model.FieldError{Field: "key", Message: err.Error()}))
		return
	}

	key, n, err := s.artifacts.Put(r.Context(), key, r.Body)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("artifact stored", "key", key, "bytes", n)
	respondCreated(w, reqID, map[string]any{"ref": key, "size": n})
}

// handleGetArtifact streams an artifact's raw bytes.
// GET /api/v1/artifacts/{key...}
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.artifacts == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, model.NewInternalError("artifact storage is not configured"))
		return
	}

	key := chi.URLParam(r, "*")
	rc, size, err := s.artifacts.Open(r.Context(), key)
	if errors.Is(err, artifact.ErrNotFound) {
		respondErr(w, reqID, model.NewNotFoundError("artifact", key))
		return
	}
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid artifact key",
			model.FieldError{Field: "key", Message: err.Error()}))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("artifact download interrupted", "key", key, "error", err)
	}
}
