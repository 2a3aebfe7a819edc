package client

import (
	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/loykin/jobwatch/internal/restart"
)

// Status is the body of GET /status.
type Status = monitor.Snapshot

// Report describes one restart cycle.
type Report = restart.Report

// RestartResponse is the body of POST /restart.
type RestartResponse struct {
	OK     bool   `json:"ok"`
	Report Report `json:"report"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
