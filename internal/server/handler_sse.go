package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// handleSSEJobGroup streams job group status summaries via Server-Sent Events.
// GET /api/v1/sse/job-groups/{id}
func (s *Server) handleSSEJobGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	summary, err := s.jobs.Summary(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := sendSSEEvent(w, flusher, "init", summary); err != nil {
		s.logger.Debug("sse client disconnected", "id", id, "error", err)
		return
	}
	if summary.Status.IsTerminal() {
		sendSSEEvent(w, flusher, "complete", summary)
		return
	}

	ticker := time.NewTicker(s.sseInterval)
	defer ticker.Stop()

	last := fingerprint(summary)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			summary, err = s.jobs.Summary(r.Context(), id)
			if err != nil {
				if model.IsNotFound(err) {
					return
				}
				s.logger.Error("sse fetch error", "id", id, "error", err)
				continue
			}

			if fp := fingerprint(summary); fp != last {
				if err := sendSSEEvent(w, flusher, "update", summary); err != nil {
					s.logger.Debug("sse client disconnected", "id", id)
					return
				}
				last = fp
			} else {
				fmt.Fprintf(w, ": heartbeat\n\n")
				flusher.Flush()
			}

			if summary.Status.IsTerminal() {
				sendSSEEvent(w, flusher, "complete", summary)
				return
			}
		}
	}
}

// fingerprint changes whenever the group status or any job count changes.
func fingerprint(sum *model.GroupSummary) string {
	fp := string(sum.Status)
	for _, st := range []model.Status{
		model.StatusPreparing, model.StatusPending, model.StatusRunning,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		fp += fmt.Sprintf("|%d", sum.JobCounts[st])
	}
	return fp
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
