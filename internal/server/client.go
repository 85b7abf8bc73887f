// Package server manages individual client connections, handling the
// authenticate → join → receive protocol, read/write pumps, rate limiting,
// and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents one live client connection. It owns the socket; the
// roster references it but never performs I/O on it. The username field is
// set once authentication succeeds and never changes afterwards.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	username       string
	closed         bool
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	authTimeout    time.Duration
	writeTimeout   time.Duration
}

// NewClient creates a new Client for an accepted connection. The send channel
// is buffered so broadcast fan-out never blocks on this client's socket.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	limiter := newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval)

	return &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		closed:         false,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    limiter,
		rateLimit:      cfg.RateLimit,
		authTimeout:    cfg.AuthTimeout,
		writeTimeout:   cfg.WriteTimeout,
	}
}

// GetSendChan returns the client's send channel for reading outgoing frames.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// sendControl enqueues a plaintext JSON control frame.
func (c *Client) sendControl(frame interface{}) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Error marshaling control frame for %s: %v", c.addr, err)
		return false
	}
	return c.hub.safeSend(c, data)
}

// writeControl writes a control frame straight to the socket under the write
// deadline, bypassing the send channel. Failure responses must use this path:
// the connection is torn down right after, and a frame still queued for the
// write pump would be lost when the socket closes.
func (c *Client) writeControl(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Error marshaling control frame for %s: %v", c.addr, err)
		return
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing control frame to %s: %v", c.addr, err)
		}
	}
}

// sendEncrypted encrypts an application payload and enqueues it for this
// client only.
func (c *Client) sendEncrypted(payload []byte) bool {
	frame, err := c.hub.cipher.Encrypt(payload)
	if err != nil {
		log.Printf("Error encrypting frame for %s: %v", c.addr, err)
		return false
	}
	return c.hub.safeSend(c, frame)
}

// readPump drives the connection through its states: authenticate, choose a
// room, then relay frames until the peer goes away. Every exit path funnels
// into the hub's teardown via the unregister channel.
func (c *Client) readPump() {
	defer func() {
		// After shutdown the run loop no longer drains unregister; the
		// hub is already force-closing every connection then.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing connection in readPump: %v", err)
				}
			}
		}
	}()

	if !c.authenticate() {
		return
	}
	if !c.joinInitialRoom() {
		return
	}

	c.setupKeepalive()
	c.receiveLoop()
}

// authenticate reads one auth frame under the auth deadline, checks
// credentials against the store, and registers the session. A failed check
// produces a structured failure frame before close; a timeout or malformed
// frame closes silently.
func (c *Client) authenticate() bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.authTimeout)); err != nil {
		log.Printf("Error setting auth deadline for %s: %v", c.addr, err)
		return false
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		log.Printf("Authentication read failed for %s: %v", c.addr, err)
		return false
	}

	var req AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Printf("Malformed auth frame from %s: %v", c.addr, err)
		return false
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" || (req.Action != ActionRegister && req.Action != ActionLogin) {
		c.writeControl(AuthResponse{Status: StatusFailed, Message: "Invalid authentication data"})
		return false
	}

	var success bool
	var message string
	if req.Action == ActionRegister {
		success, err = c.hub.store.RegisterUser(req.Username, req.Password)
		message = "Registration successful"
		if !success {
			message = "Username already exists"
		}
	} else {
		success, err = c.hub.store.Authenticate(req.Username, req.Password)
		message = "Login successful"
		if !success {
			message = "Invalid credentials"
		}
	}
	if err != nil {
		log.Printf("Credential store error for %s: %v", c.addr, err)
		c.writeControl(AuthResponse{Status: StatusFailed, Message: "Internal error"})
		return false
	}
	if !success {
		c.writeControl(AuthResponse{Status: StatusFailed, Message: message})
		return false
	}

	sessionID, err := c.hub.roster.Add(c, req.Username)
	if err != nil {
		log.Printf("Error registering session for %s: %v", c.addr, err)
		return false
	}
	c.username = req.Username

	log.Printf("User %q authenticated from %s (%s, session %s)", req.Username, c.addr, req.Action, sessionID)
	return c.sendControl(AuthResponse{
		Status:  StatusSuccess,
		Message: message,
		Rooms:   c.hub.roster.ListRoomNames(),
	})
}

// joinInitialRoom reads the room-choice frame (still under the auth
// deadline), maps unknown names to the default room, joins, announces, and
// sends the history snapshot.
func (c *Client) joinInitialRoom() bool {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.authTimeout)); err != nil {
		log.Printf("Error setting room-select deadline for %s: %v", c.addr, err)
		return false
	}

	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		log.Printf("Room selection read failed for %s: %v", c.addr, err)
		return false
	}

	var sel RoomSelect
	if err := json.Unmarshal(raw, &sel); err != nil {
		log.Printf("Malformed room-select frame from %s: %v", c.addr, err)
		return false
	}

	room := c.resolveRoom(sel.Room)
	if _, err := c.hub.roster.Place(c, room); err != nil {
		log.Printf("Error joining room %q for %s: %v", room, c.addr, err)
		return false
	}

	c.hub.noticeJoined(room, c.username, c)
	c.hub.sendHistory(c, room)
	return true
}

// resolveRoom maps the requested room to one that exists. Unknown names fall
// back to the default room unless dynamic rooms are enabled, in which case
// the room is created on demand.
func (c *Client) resolveRoom(requested string) string {
	cfg := currentConfig()
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return cfg.DefaultRoom()
	}
	if c.hub.roster.HasRoom(requested) {
		return requested
	}
	if cfg.DynamicRooms {
		if err := c.hub.roster.EnsureRoom(requested); err == nil {
			return requested
		}
	}
	return cfg.DefaultRoom()
}

// setupKeepalive switches from the auth deadline to the rolling read deadline
// refreshed by pongs. Idle clients are not reaped; only dead peers fail.
func (c *Client) setupKeepalive() {
	if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		log.Printf("Error setting initial read deadline for %s: %v", c.addr, err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			log.Printf("Error setting read deadline in pong handler for %s: %v", c.addr, err)
		}
		return nil
	})
}

// receiveLoop relays application frames until the connection fails. Frames
// are processed strictly in arrival order for this connection.
func (c *Client) receiveLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		payload, err := c.hub.cipher.Decrypt(raw)
		if err != nil {
			// Corrupt or replayed frame is fatal for this connection only.
			log.Printf("Dropping connection %s: undecryptable frame", c.addr)
			return
		}

		message := string(payload)
		if strings.HasPrefix(message, "/") {
			c.handleCommand(message)
		} else {
			c.relayMessage(message)
		}
	}
}

// relayMessage timestamps, persists, and broadcasts a chat message to the
// client's current room, excluding the sender.
func (c *Client) relayMessage(message string) {
	room, err := c.hub.roster.RoomOf(c)
	if err != nil || room == "" {
		return
	}

	ts := time.Now()
	c.hub.persistMessage(room, c.username, message, ts)

	line := fmt.Sprintf("[%s] %s: %s", ts.Format("15:04:05"), c.username, message)
	c.hub.broadcast <- BroadcastMessage{Room: room, Sender: c, Payload: []byte(line)}
}

// handleCommand dispatches slash commands. Unknown commands are ignored.
func (c *Client) handleCommand(command string) {
	switch {
	case strings.HasPrefix(command, "/join "):
		fields := strings.Fields(command)
		if len(fields) < 2 {
			return
		}
		c.changeRoom(fields[1])

	case command == "/users":
		c.listUsers()
	}
}

// changeRoom moves the client to the target room. An unknown target is
// ignored, and switching to the current room is a no-op by design.
func (c *Client) changeRoom(target string) {
	cfg := currentConfig()
	if !c.hub.roster.HasRoom(target) {
		if !cfg.DynamicRooms {
			return
		}
		if err := c.hub.roster.EnsureRoom(target); err != nil {
			return
		}
	}

	current, err := c.hub.roster.RoomOf(c)
	if err != nil || current == target {
		return
	}

	previous, err := c.hub.roster.Place(c, target)
	if err != nil {
		log.Printf("Error moving %s to room %q: %v", c.addr, target, err)
		return
	}

	if previous != "" {
		c.hub.noticeLeft(previous, c.username, c)
	}
	c.hub.broadcastToRoom(target, []byte(c.username+" joined the room"), c)
	c.hub.sendHistory(c, target)
}

// listUsers replies to the requester only with the current room's member
// usernames.
func (c *Client) listUsers() {
	room, err := c.hub.roster.RoomOf(c)
	if err != nil || room == "" {
		return
	}
	users := c.hub.roster.MemberUsernames(room)
	reply := fmt.Sprintf("Users in room (%d): %s", len(users), strings.Join(users, ", "))
	c.sendEncrypted([]byte(reply))
}

// handleReadError logs appropriate error messages based on the error type
// and returns true if the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("Frame from %s exceeded maximum size of %d bytes", c.addr, c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		log.Printf("Client %s disconnected: %v", c.addr, err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.Printf("Client %s connection closed: %v", c.addr, err)
		return true
	}

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig) {
		log.Printf("Unexpected WebSocket error from %s: %v", c.addr, err)
		return true
	}

	log.Printf("WebSocket read error from %s: %v", c.addr, err)
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits and returns
// true if the frame should be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d frames per %s); discarding frame", c.addr, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// writePump writes queued frames to the socket, one websocket message per
// frame so the client-side framing stays intact, and keeps the connection
// alive with periodic pings. Each write carries its own deadline so a frozen
// peer only ever stalls its own pump.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.handleFrame(frame, ok) {
				return
			}
		case <-ticker.C:
			if !c.handlePing() {
				return
			}
		case <-c.hub.ctx.Done():
			return
		}
	}
}

// closeConnection safely closes the connection with proper error handling.
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection in writePump: %v", err)
		}
	}
}

// handleFrame writes one outgoing frame and returns false if the pump should
// stop.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.addr, err)
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			if !isExpectedCloseError(err) {
				log.Printf("Error writing close message to %s: %v", c.addr, err)
			}
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing frame to %s: %v", c.addr, err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.addr, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		log.Printf("Error writing ping message to %s: %v", c.addr, err)
		return false
	}
	return true
}
