package client

import "time"

// Observation is what the daemon saw on a service's port.
type Observation struct {
	Port      int    `json:"port"`
	Listening bool   `json:"listening"`
	OwnerPID  int    `json:"owner_pid,omitempty"`
	OwnerName string `json:"owner_name,omitempty"`
	Method    string `json:"method"`
}

// ServiceStatus is one entry of GET /status.
type ServiceStatus struct {
	Name        string      `json:"name"`
	Port        int         `json:"port"`
	State       string      `json:"state"`
	Owned       bool        `json:"owned"`
	Observation Observation `json:"observation"`
}

// ActionResult is the outcome of a start, stop or restart of one service.
type ActionResult struct {
	Service  string        `json:"service"`
	Port     int           `json:"port"`
	Action   string        `json:"action"`
	State    string        `json:"state"`
	PID      int           `json:"pid,omitempty"`
	Changed  bool          `json:"changed"`
	Duration time.Duration `json:"duration_ns"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

func (r ActionResult) OK() bool { return r.Error == "" }

// BatchResult is the response of the *-all endpoints.
type BatchResult struct {
	OK      bool           `json:"ok"`
	Failed  int            `json:"failed"`
	Results []ActionResult `json:"results"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
