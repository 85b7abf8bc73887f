package integration

import (
	"testing"
	"time"

	"github.com/parleychat/parley-server/internal/server"
	"github.com/parleychat/parley-server/test/testhelpers"
)

func TestShutdownWithConnectedClients(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	alice := cs.Connect(t, server.ActionRegister, "alice", "pw", "general")
	cs.Connect(t, server.ActionRegister, "bob", "pw", "support")
	testhelpers.WaitForSessionCount(t, cs.Hub, 2, 2*time.Second)

	// Shutdown must force-close the live connections and reap both pump
	// goroutines well inside the timeout, not wait it out.
	start := time.Now()
	if err := cs.Hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Shutdown took %s, want prompt completion", elapsed)
	}

	if count := cs.Hub.Roster().SessionCount(); count != 0 {
		t.Errorf("SessionCount() = %d after shutdown, want 0", count)
	}

	// The force-closed client sees its connection fail.
	if err := alice.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Error("Expected the connection to be closed by shutdown")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	cs := testhelpers.StartChatServer(t)

	cs.Connect(t, server.ActionRegister, "alice", "pw", "general")

	if err := cs.Hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("First Shutdown() error = %v", err)
	}
	if err := cs.Hub.Shutdown(time.Second); err != nil {
		t.Fatalf("Second Shutdown() error = %v", err)
	}
}
