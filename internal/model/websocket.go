package model

import "time"

// WebSocket message types
const (
	WSMessageTypeStarted  = "started"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStartedMessage announces that a run acquired the gate
type WSStartedMessage struct {
	Type      string    `json:"type"`
	RunID     string    `json:"runId"`
	Project   string    `json:"project"`
	StartedAt time.Time `json:"startedAt"`
}

// WSCompleteMessage represents run completion, successful or not
type WSCompleteMessage struct {
	Type    string     `json:"type"`
	RunID   string     `json:"runId"`
	Project string     `json:"project"`
	Result  *RunResult `json:"result"`
}

// WSErrorMessage represents a run that ended with an error
type WSErrorMessage struct {
	Type    string  `json:"type"`
	RunID   string  `json:"runId"`
	Project string  `json:"project"`
	Error   WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunStatus describes the gate and the run holding it, if any.
type RunStatus struct {
	Busy      bool       `json:"busy"`
	RunID     string     `json:"run_id,omitempty"`
	Project   string     `json:"project,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}
