// Package control holds the daemon control-socket protocol and the CLI
// commands that speak it.
package control

import "time"

// Request is one JSON line on the control socket.
type Request struct {
	Op string `json:"op"`
}

// RecordResponse answers record-start and record-stop.
type RecordResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	State     string `json:"state"`
	Path      string `json:"path,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// SessionSummary is a recent pipeline outcome for status display.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Degraded   bool      `json:"degraded"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status answers the status op.
type Status struct {
	Running   bool             `json:"running"`
	UptimeSec float64          `json:"uptime_sec"`
	Capture   string           `json:"capture"`
	Sessions  []SessionSummary `json:"sessions"`
}

// SimpleResponse answers health and errors.
type SimpleResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}
