package server

import (
	"net/http"

	"github.com/UmeshKonduru/iot-testbed-dep/pkg/model"
)

// defaultProbe is the cheapest list query, used by the health check.
var defaultProbe = model.ListOptions{Limit: 1}

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
		Name:        "IoT Testbed API",
		Version:     "v1",
		Description: "Firmware job groups dispatched to devices behind gateways",
		Endpoints: []endpointInfo{
			{"/api/v1/job-groups", []string{"GET", "POST"}, "Job group submission and listing"},
			{"/api/v1/job-groups/queue", []string{"GET"}, "Pending groups in dispatch order with device readiness"},
			{"/api/v1/job-groups/{id}", []string{"GET"}, "Single job group with its jobs"},
			{"/api/v1/job-groups/{id}/status", []string{"GET"}, "Group status with per-status job counts"},
			{"/api/v1/job-groups/{id}/cancel", []string{"PUT"}, "Cancel a group and its unfinished jobs"},
			{"/api/v1/jobs", []string{"GET"}, "List jobs"},
			{"/api/v1/jobs/{id}", []string{"GET"}, "Single job"},
			{"/api/v1/jobs/{id}/status", []string{"PUT"}, "Report job status (gateway token)"},
			{"/api/v1/gateways", []string{"GET", "POST"}, "Gateway registration and listing"},
			{"/api/v1/gateways/register", []string{"POST"}, "Verify a gateway with its token"},
			{"/api/v1/gateways/{id}", []string{"GET"}, "Single gateway"},
			{"/api/v1/gateways/{id}/devices", []string{"GET"}, "Devices attached to a gateway"},
			{"/api/v1/gateways/{id}/heartbeat", []string{"POST"}, "Gateway heartbeat with reachable devices (gateway token)"},
			{"/api/v1/devices", []string{"GET", "POST"}, "Device registration and listing"},
			{"/api/v1/devices/{id}", []string{"GET", "DELETE"}, "Single device"},
			{"/api/v1/devices/{id}/status", []string{"PUT"}, "Operator availability override"},
			{"/api/v1/devices/{id}/heartbeat", []string{"POST"}, "Device heartbeat (gateway token)"},
			{"/api/v1/agent/{gateway_id}/downloads", []string{"GET"}, "Long-poll download messages (gateway token)"},
			{"/api/v1/agent/{gateway_id}/jobs", []string{"GET"}, "Long-poll dispatch messages (gateway token)"},
			{"/api/v1/agent/{gateway_id}/artifacts/{job_id}", []string{"PUT"}, "Upload a job's device log (gateway token)"},
			{"/api/v1/artifacts/{key}", []string{"GET", "PUT"}, "Firmware sources and device logs"},
			{"/api/v1/sse/job-groups/{id}", []string{"GET"}, "Server-sent group status updates"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
