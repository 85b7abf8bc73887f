// Package server coordinates client registration, room broadcast, and
// connection cleanup via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/parleychat/parley-server/internal/crypto"
	"github.com/parleychat/parley-server/internal/store"
)

// Hub manages all client connections and fans encrypted payloads out to room
// members. It owns the roster and ensures thread-safe operations through
// mutex protection; all socket I/O happens in the per-client write pumps, so
// one frozen peer can never delay delivery to the rest.
type Hub struct {
	roster *Roster
	cipher *crypto.Cipher
	store  *store.Store

	clients    map[*Client]bool
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub wired to its collaborators: the transport cipher for
// outbound payloads and the message store for history and persistence.
func NewHub(roster *Roster, cipher *crypto.Cipher, messageStore *store.Store) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		roster:     roster,
		cipher:     cipher,
		store:      messageStore,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Roster exposes the hub's session registry and room directory.
func (h *Hub) Roster() *Roster {
	return h.roster
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// GetBroadcastChan returns the channel used for broadcasting messages to a room.
func (h *Hub) GetBroadcastChan() chan<- BroadcastMessage {
	return h.broadcast
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and room broadcast. This method should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			log.Printf("Connection accepted from %s. Total connections: %d", client.addr, clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.teardown(client)

		case broadcastMsg := <-h.broadcast:
			h.handleBroadcast(broadcastMsg)
		}
	}
}

// teardown is the single removal path for every kind of disconnect: explicit
// close, read/write failure, or broadcast delivery failure. It is idempotent;
// the first caller wins and later ones find the client already gone.
func (h *Hub) teardown(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Closing the send channel lets the write pump drain queued frames,
	// emit a close frame, and close the socket.
	close(client.send)

	session, err := h.roster.Remove(client)
	if err != nil {
		// Never authenticated, or already removed.
		log.Printf("Connection from %s closed. Total connections: %d", client.addr, clientCount)
		return
	}

	log.Printf("User %q (session %s) disconnected from %s. Total connections: %d", session.Username, session.ID, client.addr, clientCount)

	if session.Room != "" {
		h.broadcastToRoom(session.Room, []byte(session.Username+" left the chat"), nil)
	}
}

// handleBroadcast persists nothing; the sender's read loop already stored the
// message. It encrypts once and fans out to the room.
func (h *Hub) handleBroadcast(broadcastMsg BroadcastMessage) {
	h.broadcastToRoom(broadcastMsg.Room, broadcastMsg.Payload, broadcastMsg.Sender)
}

// broadcastToRoom encrypts the payload once, snapshots the room's membership,
// and enqueues the frame to every member except exclude. Delivery is
// fire-and-forget: a member whose send buffer is full or already closed is
// scheduled for asynchronous removal through the same teardown path as an
// explicit disconnect, and the failure never propagates to the sender.
func (h *Hub) broadcastToRoom(room string, payload []byte, exclude *Client) {
	frame, err := h.cipher.Encrypt(payload)
	if err != nil {
		log.Printf("Error encrypting broadcast for room %q: %v", room, err)
		return
	}

	members := h.roster.MembersOf(room)

	delivered := 0
	var failed []*Client
	for _, member := range members {
		if exclude != nil && member == exclude {
			continue
		}
		if h.safeSend(member, frame) {
			delivered++
		} else {
			failed = append(failed, member)
		}
	}

	if len(failed) > 0 {
		log.Printf("Broadcast to room %q delivered to %d members, %d failed", room, delivered, len(failed))
		h.scheduleRemoval(failed)
	}
}

func (h *Hub) safeSend(client *Client, frame []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock so teardown cannot close the channel mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		return false
	}
}

// scheduleRemoval feeds failed recipients back into the unregister channel
// from a separate goroutine; the run loop cannot send to itself, and teardown
// must not run while a broadcast iterates its snapshot.
func (h *Hub) scheduleRemoval(clients []*Client) {
	for _, client := range clients {
		c := client
		go func() {
			select {
			case h.unregister <- c:
			case <-h.ctx.Done():
			}
		}()
	}
}

// sendHistory delivers a room_change frame with the room's recent history to
// one client only.
func (h *Hub) sendHistory(client *Client, room string) {
	cfg := currentConfig()
	history, err := h.store.RecentMessages(room, cfg.HistoryLimit)
	if err != nil {
		log.Printf("Error loading history for room %q: %v", room, err)
		history = nil
	}
	if history == nil {
		history = []string{}
	}
	client.sendControl(RoomChange{Type: RoomChangeType, Room: room, History: history})
}

// persistMessage appends a chat message to the log store.
func (h *Hub) persistMessage(room, author, body string, ts time.Time) {
	if err := h.store.AppendMessage(room, author, body, ts); err != nil {
		log.Printf("Error storing message from %q in room %q: %v", author, room, err)
	}
}

// noticeJoined broadcasts a join notice to the room, excluding the client it
// concerns.
func (h *Hub) noticeJoined(room, username string, exclude *Client) {
	h.broadcastToRoom(room, []byte(username+" joined the chat!"), exclude)
}

// noticeLeft broadcasts a leave notice to the room.
func (h *Hub) noticeLeft(room, username string, exclude *Client) {
	h.broadcastToRoom(room, []byte(username+" left the room"), exclude)
}

// shutdownClients forcefully closes all active client connections so their
// read loops fail and self-teardown, then empties the roster.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	h.roster.Clear()
	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete, or until the timeout is reached. Safe to call
// concurrently with an in-flight Run loop.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
