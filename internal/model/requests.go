package model

import "time"

// CreateSessionRequest is the payload for joining or resuming the queue.
// An empty SessionID asks the server to generate one.
type CreateSessionRequest struct {
	SessionID string `json:"session_id"`
}

// CreateSessionResponse reports the assigned position and whether the session
// already existed.
type CreateSessionResponse struct {
	SessionID     string `json:"session_id"`
	QueuePosition int64  `json:"queue_position"`
	Resumed       bool   `json:"resumed"`
}

// UpdateCountdownRequest replaces the active countdown window.
type UpdateCountdownRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// CountdownResponse is the countdown window as seen by a polling client.
type CountdownResponse struct {
	CountdownWindow
	Expired          bool  `json:"expired"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

// SetCapacityRequest sets the selection capacity.
type SetCapacityRequest struct {
	MaxUsers int `json:"max_users"`
}

// CountResponse wraps a single integer result.
type CountResponse struct {
	Count int `json:"count"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
