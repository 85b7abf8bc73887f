// Package integration contains integration tests that drive the chat server
// over real WebSocket connections.
package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley-server/internal/server"
	"github.com/parleychat/parley-server/test/testhelpers"
)

func TestRegisterAndLogin(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	t.Run("register a new user", func(t *testing.T) {
		conn := cs.Dial(t)
		resp := testhelpers.Authenticate(t, conn, server.ActionRegister, "alice", "secret")
		if resp.Status != server.StatusSuccess {
			t.Fatalf("Registration failed: %s", resp.Message)
		}
		if len(resp.Rooms) == 0 {
			t.Error("Successful auth response carries no room list")
		}
	})

	t.Run("login with correct credentials", func(t *testing.T) {
		conn := cs.Dial(t)
		resp := testhelpers.Authenticate(t, conn, server.ActionLogin, "alice", "secret")
		if resp.Status != server.StatusSuccess {
			t.Errorf("Login failed: %s", resp.Message)
		}
	})

	t.Run("login with wrong password", func(t *testing.T) {
		conn := cs.Dial(t)
		resp := testhelpers.Authenticate(t, conn, server.ActionLogin, "alice", "wrong")
		if resp.Status != server.StatusFailed {
			t.Errorf("Login with wrong password returned status %q", resp.Status)
		}
		if resp.Message != "Invalid credentials" {
			t.Errorf("Message = %q, want %q", resp.Message, "Invalid credentials")
		}
	})

	t.Run("duplicate registration is rejected", func(t *testing.T) {
		conn := cs.Dial(t)
		resp := testhelpers.Authenticate(t, conn, server.ActionRegister, "alice", "other")
		if resp.Status != server.StatusFailed {
			t.Errorf("Duplicate registration returned status %q", resp.Status)
		}
		if resp.Message != "Username already exists" {
			t.Errorf("Message = %q, want %q", resp.Message, "Username already exists")
		}
	})

	t.Run("original password survives duplicate registration", func(t *testing.T) {
		conn := cs.Dial(t)
		resp := testhelpers.Authenticate(t, conn, server.ActionLogin, "alice", "secret")
		if resp.Status != server.StatusSuccess {
			t.Errorf("Original credentials no longer accepted: %s", resp.Message)
		}
	})
}

func TestAuthValidation(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	tests := []struct {
		name     string
		action   string
		username string
		password string
	}{
		{name: "empty username", action: server.ActionLogin, username: "", password: "pw"},
		{name: "empty password", action: server.ActionLogin, username: "alice", password: ""},
		{name: "unknown action", action: "delete", username: "alice", password: "pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := cs.Dial(t)
			resp := testhelpers.Authenticate(t, conn, tt.action, tt.username, tt.password)
			if resp.Status != server.StatusFailed {
				t.Errorf("Status = %q, want %q", resp.Status, server.StatusFailed)
			}
			if resp.Message != "Invalid authentication data" {
				t.Errorf("Message = %q, want %q", resp.Message, "Invalid authentication data")
			}
		})
	}
}

func TestMalformedAuthFrameClosesConnection(t *testing.T) {
	cs := testhelpers.StartChatServer(t)
	conn := cs.Dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	// The server closes without a response frame.
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed after a malformed auth frame")
	}

	testhelpers.WaitForSessionCount(t, cs.Hub, 0, 2*time.Second)
}

func TestFailedAuthLeavesNoSession(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	conn := cs.Dial(t)

	// The failure frame must arrive before the server closes the socket.
	resp := testhelpers.Authenticate(t, conn, server.ActionLogin, "nobody", "pw")
	if resp.Status != server.StatusFailed {
		t.Fatalf("Login for unknown user returned status %q", resp.Status)
	}
	if resp.Message != "Invalid credentials" {
		t.Errorf("Message = %q, want %q", resp.Message, "Invalid credentials")
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the connection to close after the failure response")
	}

	testhelpers.WaitForSessionCount(t, cs.Hub, 0, 2*time.Second)
}
