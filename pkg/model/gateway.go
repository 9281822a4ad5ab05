package model

import "time"

// Gateway is a host that owns a set of devices and executes jobs against them.
type Gateway struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Address      string         `json:"address"`
	TokenHash    string         `json:"-"`
	Verification Verification   `json:"verification"`
	Status       ResourceStatus `json:"status"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Device is a flashable board attached to exactly one gateway.
type Device struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	GatewayID string         `json:"gateway_id"`
	Port      string         `json:"port,omitempty"`
	Status    ResourceStatus `json:"status"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
