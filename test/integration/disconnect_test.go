package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley-server/internal/server"
	"github.com/parleychat/parley-server/test/testhelpers"
)

func TestAbruptDisconnectNotifiesRoom(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	alice := cs.Connect(t, server.ActionRegister, "alice", "pw", "general")
	bob := cs.Connect(t, server.ActionRegister, "bob", "pw", "general")
	cs.WaitForChat(t, alice, "bob joined the chat!", 2*time.Second)

	// Kill the TCP connection without a close handshake.
	if err := bob.UnderlyingConn().Close(); err != nil {
		t.Fatalf("Failed to sever connection: %v", err)
	}

	cs.WaitForChat(t, alice, "bob left the chat", 2*time.Second)
	testhelpers.WaitForSessionCount(t, cs.Hub, 1, 2*time.Second)
}

func TestGracefulCloseNotifiesRoom(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	alice := cs.Connect(t, server.ActionRegister, "alice", "pw", "general")
	bob := cs.Connect(t, server.ActionRegister, "bob", "pw", "general")
	cs.WaitForChat(t, alice, "bob joined the chat!", 2*time.Second)

	err := bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		t.Fatalf("Failed to send close frame: %v", err)
	}

	cs.WaitForChat(t, alice, "bob left the chat", 2*time.Second)
	testhelpers.WaitForSessionCount(t, cs.Hub, 1, 2*time.Second)

	// The survivor's session is untouched.
	cs.SendChat(t, alice, "/users")
	reply := cs.WaitForChat(t, alice, "Users in room", 2*time.Second)
	if reply != "Users in room (1): alice" {
		t.Errorf("Reply = %q, want %q", reply, "Users in room (1): alice")
	}
}

func TestDisconnectDuringAuthLeavesNoTrace(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	conn := cs.Dial(t)
	if err := conn.UnderlyingConn().Close(); err != nil {
		t.Fatalf("Failed to sever connection: %v", err)
	}

	testhelpers.WaitForSessionCount(t, cs.Hub, 0, 2*time.Second)
}

func TestUndecryptableFrameDropsOnlyThatConnection(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	alice := cs.Connect(t, server.ActionRegister, "alice", "pw", "general")
	bob := cs.Connect(t, server.ActionRegister, "bob", "pw", "general")
	cs.WaitForChat(t, alice, "bob joined the chat!", 2*time.Second)

	if err := bob.WriteMessage(websocket.TextMessage, []byte("garbage, not a token")); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	// Bob is dropped; alice hears the leave notice and keeps working.
	cs.WaitForChat(t, alice, "bob left the chat", 2*time.Second)
	testhelpers.WaitForSessionCount(t, cs.Hub, 1, 2*time.Second)

	cs.SendChat(t, alice, "/users")
	reply := cs.WaitForChat(t, alice, "Users in room", 2*time.Second)
	if reply != "Users in room (1): alice" {
		t.Errorf("Reply = %q, want %q", reply, "Users in room (1): alice")
	}
}
