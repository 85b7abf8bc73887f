// Package testhelpers provides common utilities for testing the Parley chat
// server.
//
// It contains reusable helpers shared across unit and integration tests:
// starting a fully wired server over httptest, dialing WebSocket connections,
// driving the authenticate and room-select handshake, and sending and reading
// encrypted chat frames.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleychat/parley-server/internal/crypto"
	"github.com/parleychat/parley-server/internal/server"
	"github.com/parleychat/parley-server/internal/store"
)

// TestSecretKey is 32 zero bytes, base64-encoded. Valid for tests only.
const TestSecretKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

// ChatServer bundles a running test server with the collaborators tests need
// to drive it: the hub for roster assertions and the cipher for building and
// reading application frames.
type ChatServer struct {
	URL    string
	WSURL  string
	Hub    *server.Hub
	Cipher *crypto.Cipher
}

// StartChatServer wires a cipher, a fresh sqlite store, a roster, and a hub
// together, applies a test configuration, and serves the chat routes over
// httptest. Everything is torn down through t.Cleanup.
func StartChatServer(t *testing.T) *ChatServer {
	t.Helper()

	server.SetConfig(&server.Config{
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 4096,
		RateLimit: server.RateLimitConfig{
			Burst:          200,
			RefillInterval: time.Second,
		},
		AuthTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Rooms:        []string{"general", "random", "support"},
		HistoryLimit: 100,
		DatabasePath: "unused",
	})
	t.Cleanup(func() { server.SetConfig(nil) })

	cipher, err := crypto.NewCipher(TestSecretKey, false)
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}

	messageStore, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = messageStore.Close() })

	roster := server.NewRoster([]string{"general", "random", "support"}, false)
	hub := server.NewHub(roster, cipher, messageStore)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(5 * time.Second) })

	testServer := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(testServer.Close)

	return &ChatServer{
		URL:    testServer.URL,
		WSURL:  "ws" + strings.TrimPrefix(testServer.URL, "http") + "/ws",
		Hub:    hub,
		Cipher: cipher,
	}
}

// Dial opens a WebSocket connection to the test server with a valid origin
// header. The connection is closed through t.Cleanup.
func (cs *ChatServer) Dial(t *testing.T) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", cs.URL)

	conn, resp, err := dialer.Dial(cs.WSURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", cs.WSURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Authenticate sends one auth frame and returns the server's response.
func Authenticate(t *testing.T, conn *websocket.Conn, action, username, password string) server.AuthResponse {
	t.Helper()

	req := server.AuthRequest{Action: action, Username: username, Password: password}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("Failed to send auth frame: %v", err)
	}

	var resp server.AuthResponse
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("Failed to read auth response: %v", err)
	}
	return resp
}

// SelectRoom sends the room-select frame and returns the room_change frame
// that carries the room's history snapshot.
func SelectRoom(t *testing.T, conn *websocket.Conn, room string) server.RoomChange {
	t.Helper()

	if err := conn.WriteJSON(server.RoomSelect{Room: room}); err != nil {
		t.Fatalf("Failed to send room-select frame: %v", err)
	}
	return ReadRoomChange(t, conn, 5*time.Second)
}

// ReadRoomChange reads one frame and decodes it as a room_change control
// frame. Control frames are plaintext JSON, so no decryption is involved.
func ReadRoomChange(t *testing.T, conn *websocket.Conn, timeout time.Duration) server.RoomChange {
	t.Helper()

	raw := readFrame(t, conn, timeout)
	var change server.RoomChange
	if err := json.Unmarshal(raw, &change); err != nil {
		t.Fatalf("Frame %q is not a room_change frame: %v", raw, err)
	}
	if change.Type != server.RoomChangeType {
		t.Fatalf("Frame type = %q, want %q", change.Type, server.RoomChangeType)
	}
	return change
}

// Connect performs the full handshake for a fresh connection: dial,
// authenticate, select a room, and consume the initial room_change frame.
func (cs *ChatServer) Connect(t *testing.T, action, username, password, room string) *websocket.Conn {
	t.Helper()

	conn := cs.Dial(t)
	resp := Authenticate(t, conn, action, username, password)
	if resp.Status != server.StatusSuccess {
		t.Fatalf("Authentication for %q failed: %s", username, resp.Message)
	}
	SelectRoom(t, conn, room)
	return conn
}

// SendChat encrypts an application payload and sends it as one frame.
func (cs *ChatServer) SendChat(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()

	frame, err := cs.Cipher.Encrypt([]byte(text))
	if err != nil {
		t.Fatalf("Failed to encrypt chat frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to send chat frame: %v", err)
	}
}

// ReadChat reads one frame and decrypts it as an application payload. It
// fails the test if no frame arrives before the timeout or the frame is a
// plaintext control frame.
func (cs *ChatServer) ReadChat(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()

	raw := readFrame(t, conn, timeout)
	payload, err := cs.Cipher.Decrypt(raw)
	if err != nil {
		t.Fatalf("Frame %q did not decrypt: %v", raw, err)
	}
	return string(payload)
}

// WaitForChat reads frames until one decrypts to a payload containing the
// expected substring, skipping control frames and unrelated notices.
func (cs *ChatServer) WaitForChat(t *testing.T, conn *websocket.Conn, contains string, timeout time.Duration) string {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Connection failed while waiting for %q: %v", contains, err)
		}
		payload, err := cs.Cipher.Decrypt(raw)
		if err != nil {
			continue
		}
		if strings.Contains(string(payload), contains) {
			return string(payload)
		}
	}
	t.Fatalf("No frame containing %q arrived within %s", contains, timeout)
	return ""
}

// ExpectNoFrame asserts that no frame arrives on the connection within the
// given window.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no frame, got %q", raw)
	}
	if !strings.Contains(err.Error(), "timeout") && !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("Expected a read timeout, got %v", err)
	}
}

// WaitForSessionCount polls the roster until it holds the expected number of
// sessions or the timeout elapses.
func WaitForSessionCount(t *testing.T, hub *server.Hub, want int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if hub.Roster().SessionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Roster session count = %d, want %d after %s", hub.Roster().SessionCount(), want, timeout)
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	messageType, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("Frame type = %d, want text", messageType)
	}
	return raw
}
