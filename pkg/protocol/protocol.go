// Package protocol defines the WebSocket wire format between the gateway and
// its clients. Frames are JSON objects; every server frame carries the
// session key it belongs to.
package protocol

import "github.com/tidewater-ai/keel/internal/bus"

// Request types accepted from clients.
const (
	RequestChat         = "chat"
	RequestListSessions = "list_sessions"
	RequestPing         = "ping"
)

// Request is one client frame.
type Request struct {
	Type       string `json:"type"`
	SessionKey string `json:"session_key,omitempty"`
	Message    string `json:"message,omitempty"`

	// Optional identity for the turn. Permissions gate tool visibility.
	UserID      string   `json:"user_id,omitempty"`
	UserEmail   string   `json:"user_email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Frame types sent to clients.
const (
	FrameEvent    = "event"
	FrameSessions = "sessions"
	FramePong     = "pong"
	FrameError    = "error"
)

// Frame is one server frame. Exactly one payload field is set, matching Type.
type Frame struct {
	Type       string     `json:"type"`
	SessionKey string     `json:"session_key,omitempty"`
	Event      *bus.Event `json:"event,omitempty"`
	Sessions   any        `json:"sessions,omitempty"`
	Error      string     `json:"error,omitempty"`
}
