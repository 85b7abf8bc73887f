// Package server tracks authenticated sessions and room membership. The two
// structures form one logically atomic unit: every mutation of either happens
// under the same mutex so a room join can never race a membership snapshot or
// a concurrent disconnect. The lock is held only for map mutation, never
// across socket I/O.
package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateConnection is returned when a connection is registered twice.
	ErrDuplicateConnection = errors.New("connection already registered")
	// ErrUnknownSession is returned for operations on an unregistered connection.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownRoom is returned for operations on an unlisted room when
	// dynamic rooms are disabled.
	ErrUnknownRoom = errors.New("unknown room")
)

// Session is the authenticated identity and room state bound to a connection.
// Room is empty until the client joins one.
type Session struct {
	ID       string
	Username string
	Room     string
	JoinedAt time.Time
}

// Roster is the combined session registry and room directory.
type Roster struct {
	mu       sync.Mutex
	sessions map[*Client]*Session
	rooms    map[string]map[*Client]struct{}
	dynamic  bool
}

// NewRoster creates a roster pre-populated with the given room names. Rooms
// are never destroyed once created; when dynamic is true, EnsureRoom creates
// unlisted rooms on demand.
func NewRoster(roomNames []string, dynamic bool) *Roster {
	rooms := make(map[string]map[*Client]struct{}, len(roomNames))
	for _, name := range roomNames {
		rooms[name] = make(map[*Client]struct{})
	}
	return &Roster{
		sessions: make(map[*Client]*Session),
		rooms:    rooms,
		dynamic:  dynamic,
	}
}

// Add registers a new session with no room yet and returns its session ID.
func (r *Roster) Add(client *Client, username string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[client]; exists {
		return "", ErrDuplicateConnection
	}
	session := &Session{
		ID:       uuid.NewString(),
		Username: username,
		JoinedAt: time.Now(),
	}
	r.sessions[client] = session
	return session.ID, nil
}

// SetRoom updates the session's current room field without touching
// membership; Place is the transactional join/leave used by handlers.
func (r *Roster) SetRoom(client *Client, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[client]
	if !exists {
		return ErrUnknownSession
	}
	session.Room = room
	return nil
}

// Remove deregisters the connection, drops its room membership, and returns
// the removed session's last-known state. Removal is idempotent in the sense
// that a second call reports ErrUnknownSession without side effects.
func (r *Roster) Remove(client *Client) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[client]
	if !exists {
		return Session{}, ErrUnknownSession
	}
	if session.Room != "" {
		if members, ok := r.rooms[session.Room]; ok {
			delete(members, client)
		}
	}
	delete(r.sessions, client)
	return *session, nil
}

// UsernameOf returns the username bound to the connection.
func (r *Roster) UsernameOf(client *Client) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[client]
	if !exists {
		return "", ErrUnknownSession
	}
	return session.Username, nil
}

// RoomOf returns the connection's current room, empty if none joined yet.
func (r *Roster) RoomOf(client *Client) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[client]
	if !exists {
		return "", ErrUnknownSession
	}
	return session.Room, nil
}

// EnsureRoom idempotently creates the room when dynamic rooms are enabled;
// otherwise it is a lookup failing with ErrUnknownRoom for unlisted names.
func (r *Roster) EnsureRoom(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureRoomLocked(name)
}

func (r *Roster) ensureRoomLocked(name string) error {
	if _, exists := r.rooms[name]; exists {
		return nil
	}
	if !r.dynamic {
		return ErrUnknownRoom
	}
	r.rooms[name] = make(map[*Client]struct{})
	return nil
}

// Join adds the connection to the room's member set. No-op if already a member.
func (r *Roster) Join(room string, client *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureRoomLocked(room); err != nil {
		return err
	}
	r.rooms[room][client] = struct{}{}
	return nil
}

// Leave removes the connection from the room's member set. No-op if absent.
func (r *Roster) Leave(room string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[room]; ok {
		delete(members, client)
	}
}

// Place atomically moves the session into the target room: it leaves the
// previous room (if any), joins the new one, and updates the session's room
// field in one critical section. It returns the previous room name.
func (r *Roster) Place(client *Client, room string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[client]
	if !exists {
		return "", ErrUnknownSession
	}
	if err := r.ensureRoomLocked(room); err != nil {
		return "", err
	}

	previous := session.Room
	if previous != "" {
		if members, ok := r.rooms[previous]; ok {
			delete(members, client)
		}
	}
	r.rooms[room][client] = struct{}{}
	session.Room = room
	return previous, nil
}

// MembersOf returns a point-in-time snapshot of the room's member
// connections, so callers can iterate and perform I/O without holding the
// lock. An unknown room yields an empty snapshot.
func (r *Roster) MembersOf(room string) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	snapshot := make([]*Client, 0, len(members))
	for client := range members {
		snapshot = append(snapshot, client)
	}
	return snapshot
}

// MemberUsernames returns the usernames of the room's current members.
func (r *Roster) MemberUsernames(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	usernames := make([]string, 0, len(members))
	for client := range members {
		if session, exists := r.sessions[client]; exists {
			usernames = append(usernames, session.Username)
		}
	}
	sort.Strings(usernames)
	return usernames
}

// ListRoomNames returns the room names in sorted order for presenting choices
// to a newly authenticated client.
func (r *Roster) ListRoomNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasRoom reports whether the room currently exists.
func (r *Roster) HasRoom(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.rooms[name]
	return exists
}

// SessionCount returns the number of registered sessions.
func (r *Roster) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Clear drops all sessions and room memberships. Room names survive; rooms
// are never destroyed, only emptied. Used during supervisor shutdown.
func (r *Roster) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions = make(map[*Client]*Session)
	for name := range r.rooms {
		r.rooms[name] = make(map[*Client]struct{})
	}
}
