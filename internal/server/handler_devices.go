package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// POST /api/v1/devices
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.CreateDeviceRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	d, err := s.fleet.CreateDevice(r.Context(), req)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, d)
}

// GET /api/v1/devices?status=&limit=&offset=
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)
	devices, total, err := s.fleet.ListDevices(r.Context(), opts)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondList(w, reqID, devices, pagination(opts, len(devices), total))
}

// GET /api/v1/devices/{id}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	d, err := s.fleet.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, d)
}

// handleDeleteDevice removes a device no unfinished job refers to.
// DELETE /api/v1/devices/{id}
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.fleet.DeleteDevice(r.Context(), id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "deleted": true})
}

// handleSetDeviceStatus is an operator override to take a device offline or
// bring it back.
// PUT /api/v1/devices/{id}/status
func (s *Server) handleSetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.DeviceStatusRequest
	if !decodeJSON(w, r, reqID, &req) {
		return
	}

	d, err := s.fleet.SetDeviceStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, d)
}

// handleDeviceHeartbeat refreshes one device. The authenticated gateway must own it.
// POST /api/v1/devices/{id}/heartbeat
func (s *Server) handleDeviceHeartbeat(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	d, err := s.fleet.GetDevice(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if !requireGateway(w, r, d.GatewayID) {
		return
	}

	d, err = s.fleet.DeviceHeartbeat(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, d)
}
