// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

import "github.com/psaab/xdplb/pkg/control"

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SetBackendsRequest is the body of PUT /api/v1/backends/{port}.
type SetBackendsRequest struct {
	Ports []uint16 `json:"ports"`
}

// BackendList is the data of GET /api/v1/backends.
type BackendList struct {
	Backends []control.Backend `json:"backends"`
	Count    int               `json:"count"`
}

// EventEntry is one control-plane event.
type EventEntry struct {
	Time       string `json:"time"`
	Type       string `json:"type"`
	ListenPort uint16 `json:"listen_port,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Source     string `json:"source,omitempty"`
}
