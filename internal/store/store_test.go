package store

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestRegisterThenAuthenticate(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.RegisterUser("alice", "pw1")
	if err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}
	if !ok {
		t.Fatal("RegisterUser() = false, want true")
	}

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "correct credentials", username: "alice", password: "pw1", want: true},
		{name: "wrong password", username: "alice", password: "pw2", want: false},
		{name: "unknown user", username: "bob", password: "pw1", want: false},
		{name: "empty password", username: "alice", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Authenticate(tt.username, tt.password)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Authenticate(%q, %q) = %v, want %v", tt.username, tt.password, got, tt.want)
			}
		})
	}
}

func TestDuplicateRegisterKeepsOriginalCredentials(t *testing.T) {
	s := newTestStore(t)

	if ok, err := s.RegisterUser("alice", "original"); err != nil || !ok {
		t.Fatalf("RegisterUser() = %v, %v", ok, err)
	}

	ok, err := s.RegisterUser("alice", "intruder")
	if err != nil {
		t.Fatalf("RegisterUser() duplicate error = %v", err)
	}
	if ok {
		t.Error("RegisterUser() accepted a duplicate username")
	}

	if ok, _ := s.Authenticate("alice", "original"); !ok {
		t.Error("original password no longer authenticates after duplicate register")
	}
	if ok, _ := s.Authenticate("alice", "intruder"); ok {
		t.Error("duplicate registration overwrote the stored password")
	}
}

func TestAppendAndRecentMessages(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	messages := []string{"first", "second", "third"}
	for i, body := range messages {
		if err := s.AppendMessage("general", "alice", body, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	lines, err := s.RecentMessages("general", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(lines) != len(messages) {
		t.Fatalf("RecentMessages() returned %d lines, want %d", len(lines), len(messages))
	}
	for i, body := range messages {
		if !strings.Contains(lines[i], body) {
			t.Errorf("line %d = %q, want it to contain %q (oldest first)", i, lines[i], body)
		}
		if !strings.Contains(lines[i], "alice") {
			t.Errorf("line %d = %q, missing author", i, lines[i])
		}
	}
}

func TestRecentMessagesLimit(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		body := string(rune('a' + i))
		if err := s.AppendMessage("general", "alice", body, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	lines, err := s.RecentMessages("general", 2)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("RecentMessages() returned %d lines, want 2", len(lines))
	}
	// The newest two, still oldest first.
	if !strings.Contains(lines[0], "alice: d") || !strings.Contains(lines[1], "alice: e") {
		t.Errorf("RecentMessages() = %v, want the two newest messages oldest first", lines)
	}
}

func TestRecentMessagesRoomIsolation(t *testing.T) {
	s := newTestStore(t)

	now := time.Now()
	if err := s.AppendMessage("general", "alice", "in general", now); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if err := s.AppendMessage("support", "bob", "in support", now); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	lines, err := s.RecentMessages("support", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(lines) != 1 || !strings.Contains(lines[0], "in support") {
		t.Errorf("RecentMessages(support) = %v, want only the support message", lines)
	}

	lines, err = s.RecentMessages("empty-room", 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("RecentMessages(empty-room) = %v, want empty", lines)
	}
}
