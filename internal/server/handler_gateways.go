package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// handleCreateGateway registers a gateway and returns its token once.
// POST /api/v1/gateways
func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.CreateGatewayRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	gw, token, err := s.fleet.CreateGateway(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, model.CreateGatewayResponse{Gateway: gw, Token: token})
}

// handleRegisterGateway verifies a gateway by its one-time token.
// POST /api/v1/gateways/register
func (s *Server) handleRegisterGateway(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.RegisterGatewayRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}
	if req.Name == "" || req.Token == "" {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("missing required field",
			model.FieldError{Field: "name", Message: "name and token are required"}))
		return
	}

	gw, err := s.fleet.VerifyGateway(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, gw)
}

// GET /api/v1/gateways
func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	gateways, total, err := s.fleet.ListGateways(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, gateways, pagination(opts, len(gateways), total))
}

// GET /api/v1/gateways/{id}
func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	gw, err := s.fleet.GetGateway(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, gw)
}

// GET /api/v1/gateways/{id}/devices
func (s *Server) handleListGatewayDevices(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	devices, err := s.fleet.ListGatewayDevices(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, devices)
}

// handleGatewayHeartbeat records the devices a gateway can currently reach.
// POST /api/v1/gateways/{id}/heartbeat
func (s *Server) handleGatewayHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !requireGateway(w, r, id) {
		return
	}

	var req model.HeartbeatRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	gw, err := s.fleet.Heartbeat(r.Context(), id, req.ActiveDeviceIDs)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{
		"gateway_id": gw.ID,
		"status":     gw.Status,
		"last_seen":  gw.LastSeen,
	})
}
