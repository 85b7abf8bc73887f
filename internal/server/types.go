// Package server defines the wire frame types and shared helpers used across
// client and hub logic.
package server

import "strings"

// Auth actions accepted in the first frame of a connection.
const (
	ActionRegister = "register"
	ActionLogin    = "login"
)

// Auth response statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// AuthRequest is the plaintext control frame a client sends first.
type AuthRequest struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse reports the outcome of authentication. Rooms is only populated
// on success.
type AuthResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Rooms   []string `json:"rooms,omitempty"`
}

// RoomSelect is the plaintext control frame carrying the initial room choice.
type RoomSelect struct {
	Room string `json:"room"`
}

// RoomChange is sent on the initial join and on every subsequent room change,
// carrying a history snapshot of the new room.
type RoomChange struct {
	Type    string   `json:"type"`
	Room    string   `json:"room"`
	History []string `json:"history"`
}

// RoomChangeType tags RoomChange frames.
const RoomChangeType = "room_change"

// BroadcastMessage encapsulates a plaintext payload being fanned out to one
// room, with the originating client excluded from delivery when set.
type BroadcastMessage struct {
	Room    string
	Sender  *Client
	Payload []byte
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
