// Package api holds the JSON payloads of the slotd admin HTTP endpoints.
package api

import "time"

// SlotStatus describes one lease slot.
type SlotStatus struct {
	// Slot is the one-based slot number used on the wire.
	Slot int `json:"slot"`
	// Owner is the identity holding the slot, empty when free.
	Owner string `json:"owner,omitempty"`
	// Conn is the owning connection id.
	Conn string `json:"conn,omitempty"`
	// CaptureTime is the client-supplied request time (seconds of day) of the grant.
	CaptureTime int64 `json:"capture_time"`
	// HeldSeconds is how long the current owner has held the slot.
	HeldSeconds int64 `json:"held_seconds"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	// InstanceID uniquely identifies this server process.
	InstanceID string `json:"instance_id"`
	// Version is the server build version.
	Version string `json:"version"`
	// StartTime is when the server started.
	StartTime time.Time `json:"start_time"`
	// Listen is the protocol listener address.
	Listen string `json:"listen,omitempty"`
	// Accepting reports whether new connections are accepted.
	Accepting bool `json:"accepting"`
	// DeclineNewResources reports whether new leases are refused.
	DeclineNewResources bool `json:"decline_new_resources"`
	// LeaseTimeoutSeconds is the preemption window.
	LeaseTimeoutSeconds int64 `json:"lease_timeout_seconds"`
	// Connections counts open connections, authenticated or not.
	Connections int `json:"connections"`
	// MaxConnections is the connection cap.
	MaxConnections int `json:"max_connections"`
	// Slots lists every slot in order.
	Slots []SlotStatus `json:"slots"`
	// Sessions maps authenticated identities to connection ids.
	Sessions map[string]string `json:"sessions"`
	// Users is the allow-list of identities.
	Users []string `json:"users"`
	// Banned lists banned peer hosts.
	Banned []string `json:"banned,omitempty"`
}

// ToggleResponse echoes the new state of a boolean switch.
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// LeaseTimeoutResponse echoes the lease timeout after an update.
type LeaseTimeoutResponse struct {
	LeaseTimeoutSeconds int64 `json:"lease_timeout_seconds"`
}

// FreeAllResponse reports how many leases were released.
type FreeAllResponse struct {
	Freed int `json:"freed"`
}

// ErrorResponse is the body of every non-2xx admin response.
type ErrorResponse struct {
	// ErrorCode is a stable machine-readable identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable context.
	Detail string `json:"detail,omitempty"`
}
