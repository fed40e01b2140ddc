package services

import (
	"database/sql"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"securechat-backend/internal/models"
)

// Event is a message sent over the real-time transport. The transport is
// best-effort: no delivery guarantee, the ledger is the durable fallback.
type Event struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId,omitempty"`
	From           string      `json:"from,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	IsTyping       bool        `json:"isTyping,omitempty"`
	Data           interface{} `json:"data,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// Outgoing event types mirror the wire vocabulary clients already speak.
const (
	EventConnected   = "connected"
	EventNewMessage  = "new_message"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"
	EventTyping      = "typing"
	EventReadReceipt = "read_receipt"
	EventPong        = "pong"
	EventError       = "error"
)

// reconnectGrace is how long a dropped client may linger in Reconnecting
// before it is demoted to Disconnected and peers see an offline notice.
const reconnectGrace = 10 * time.Second

// Client represents one websocket connection
type Client struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Send    chan Event
	service *DeliveryService
}

// hub maintains the set of active clients keyed by principal
type hub struct {
	clients    map[*Client]bool
	users      map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
}

// DeliveryService fans newly appended envelopes out to connected receivers
// and owns all ephemeral presence state. Presence is in-memory only,
// rebuilt from scratch on restart; losing it on restart is correct
// behavior.
type DeliveryService struct {
	hub      *hub
	upgrader websocket.Upgrader
	db       *sql.DB
	sessions *SessionService
	ledger   *LedgerService
	guard    *AccessGuard
	auth     *AuthService

	presence      map[string]*models.PresenceState
	presenceMutex sync.RWMutex

	heartbeatTimeout time.Duration
	typingExpiry     time.Duration
	stop             chan struct{}
}

// NewDeliveryService creates a new delivery service and starts its hub and
// presence janitor.
func NewDeliveryService(db *sql.DB, sessions *SessionService, ledger *LedgerService, guard *AccessGuard, auth *AuthService, heartbeatTimeout, typingExpiry time.Duration) *DeliveryService {
	service := &DeliveryService{
		hub: &hub{
			clients:    make(map[*Client]bool),
			users:      make(map[string]*Client),
			register:   make(chan *Client),
			unregister: make(chan *Client),
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from any origin in development
				return true
			},
		},
		db:               db,
		sessions:         sessions,
		ledger:           ledger,
		guard:            guard,
		auth:             auth,
		presence:         make(map[string]*models.PresenceState),
		heartbeatTimeout: heartbeatTimeout,
		typingExpiry:     typingExpiry,
		stop:             make(chan struct{}),
	}

	go service.run()
	go service.janitor()

	return service
}

// HandleWebSocket upgrades an authenticated HTTP request to a websocket
// connection. Browsers cannot set headers on websocket dials, so the token
// may also arrive as a query parameter; it is validated either way.
func (s *DeliveryService) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized - no token"})
			return
		}
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid token"})
			return
		}
		userID = claims.UserID
	}

	s.setState(userID, models.ConnConnecting)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		s.setState(userID, models.ConnDisconnected)
		return
	}

	client := &Client{
		ID:      uuid.New().String(),
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan Event, 256),
		service: s,
	}

	s.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// PushEnvelope delivers a freshly appended envelope to its receiver if that
// receiver is currently connected. Fire-and-forget: a disconnected or slow
// receiver never delays the sender's append; reconnect catch-up through the
// ledger is the source of truth.
func (s *DeliveryService) PushEnvelope(envelope *models.MessageEnvelope) {
	s.sendToUser(envelope.ReceiverID, Event{
		Type:           EventNewMessage,
		ConversationID: envelope.ConversationID,
		From:           envelope.SenderID,
		Data:           envelope,
	})
}

// SetTyping fans a typing indicator out to the other participant if
// connected. Never persisted; expires on its own if no refresh arrives, so
// a stuck indicator is bounded without an explicit cancel message.
func (s *DeliveryService) SetTyping(conversationID, principalID string, isTyping bool) {
	session, err := s.sessions.GetSession(conversationID)
	if err != nil {
		return
	}
	peer := session.PeerOf(principalID)
	if peer == "" {
		return
	}

	s.presenceMutex.Lock()
	if state, ok := s.presence[principalID]; ok {
		if isTyping {
			state.TypingIn = conversationID
			state.TypingSince = time.Now()
		} else {
			state.TypingIn = ""
		}
	}
	s.presenceMutex.Unlock()

	s.sendToUser(peer, Event{
		Type:           EventTyping,
		ConversationID: conversationID,
		From:           principalID,
		IsTyping:       isTyping,
	})
}

// NotifyReadReceipt tells the other participant that the reader has caught
// up on a conversation. Best-effort like every other push.
func (s *DeliveryService) NotifyReadReceipt(conversationID, readerID string) {
	session, err := s.sessions.GetSession(conversationID)
	if err != nil {
		return
	}
	peer := session.PeerOf(readerID)
	if peer == "" {
		return
	}
	s.sendToUser(peer, Event{
		Type:           EventReadReceipt,
		ConversationID: conversationID,
		UserID:         readerID,
	})
}

// Presence returns a snapshot of a principal's presence state.
func (s *DeliveryService) Presence(principalID string) models.PresenceState {
	s.presenceMutex.RLock()
	defer s.presenceMutex.RUnlock()

	if state, ok := s.presence[principalID]; ok {
		return *state
	}
	return models.PresenceState{PrincipalID: principalID, State: models.ConnDisconnected}
}

// IsConnected reports whether the principal has a live connection.
func (s *DeliveryService) IsConnected(principalID string) bool {
	s.hub.mutex.RLock()
	defer s.hub.mutex.RUnlock()
	_, ok := s.hub.users[principalID]
	return ok
}

// Shutdown stops the hub and janitor loops.
func (s *DeliveryService) Shutdown() {
	close(s.stop)
}

func (s *DeliveryService) run() {
	for {
		select {
		case client := <-s.hub.register:
			s.hub.mutex.Lock()
			// A reconnect within the grace window replaces the old client
			// without an offline/online flap.
			wasConnected := false
			if old, ok := s.hub.users[client.UserID]; ok {
				delete(s.hub.clients, old)
				close(old.Send)
				wasConnected = true
			}
			s.hub.clients[client] = true
			s.hub.users[client.UserID] = client
			s.hub.mutex.Unlock()

			reconnecting := s.currentState(client.UserID) == models.ConnReconnecting
			s.setState(client.UserID, models.ConnConnected)

			s.hub.trySend(client, Event{Type: EventConnected, Message: "Connected to chat server"})

			if !wasConnected && !reconnecting {
				s.notifyPeers(client.UserID, EventUserOnline)
			}

		case client := <-s.hub.unregister:
			s.hub.mutex.Lock()
			_, known := s.hub.clients[client]
			if known {
				delete(s.hub.clients, client)
				if s.hub.users[client.UserID] == client {
					delete(s.hub.users, client.UserID)
				}
				close(client.Send)
			}
			s.hub.mutex.Unlock()

			if known {
				// Hold in Reconnecting; the janitor demotes to
				// Disconnected after the grace window.
				s.setState(client.UserID, models.ConnReconnecting)
			}

		case <-s.stop:
			return
		}
	}
}

// janitor expires stale typing indicators, silent heartbeats and lapsed
// reconnect windows.
func (s *DeliveryService) janitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *DeliveryService) sweep(now time.Time) {
	type expiredTyping struct {
		principalID    string
		conversationID string
	}
	var typingExpired []expiredTyping
	var wentOffline []string

	s.presenceMutex.Lock()
	for id, state := range s.presence {
		if state.TypingIn != "" && now.Sub(state.TypingSince) > s.typingExpiry {
			typingExpired = append(typingExpired, expiredTyping{id, state.TypingIn})
			state.TypingIn = ""
		}

		switch state.State {
		case models.ConnConnected:
			if now.Sub(state.LastHeartbeat) > s.heartbeatTimeout {
				state.State = models.ConnDisconnected
				state.Online = false
				wentOffline = append(wentOffline, id)
			}
		case models.ConnReconnecting:
			if now.Sub(state.LastHeartbeat) > reconnectGrace {
				state.State = models.ConnDisconnected
				state.Online = false
				wentOffline = append(wentOffline, id)
			}
		}
	}
	s.presenceMutex.Unlock()

	for _, t := range typingExpired {
		if session, err := s.sessions.GetSession(t.conversationID); err == nil {
			if peer := session.PeerOf(t.principalID); peer != "" {
				s.sendToUser(peer, Event{
					Type:           EventTyping,
					ConversationID: t.conversationID,
					From:           t.principalID,
					IsTyping:       false,
				})
			}
		}
	}

	for _, id := range wentOffline {
		s.dropConnection(id)
		s.recordLastSeen(id)
		s.notifyPeers(id, EventUserOffline)
	}
}

func (s *DeliveryService) currentState(principalID string) models.ConnState {
	s.presenceMutex.RLock()
	defer s.presenceMutex.RUnlock()
	if state, ok := s.presence[principalID]; ok {
		return state.State
	}
	return models.ConnDisconnected
}

func (s *DeliveryService) setState(principalID string, conn models.ConnState) {
	s.presenceMutex.Lock()
	defer s.presenceMutex.Unlock()

	state, ok := s.presence[principalID]
	if !ok {
		state = &models.PresenceState{PrincipalID: principalID}
		s.presence[principalID] = state
	}
	state.State = conn
	state.Online = conn == models.ConnConnected
	if conn == models.ConnConnected || conn == models.ConnReconnecting {
		state.LastHeartbeat = time.Now()
	}
	if conn == models.ConnDisconnected {
		state.TypingIn = ""
	}
}

func (s *DeliveryService) heartbeat(principalID string) {
	s.presenceMutex.Lock()
	defer s.presenceMutex.Unlock()
	if state, ok := s.presence[principalID]; ok {
		state.LastHeartbeat = time.Now()
	}
}

// notifyPeers sends a presence notice to every connected peer who shares an
// active conversation with the principal.
func (s *DeliveryService) notifyPeers(principalID, eventType string) {
	sessions, err := s.sessions.SessionsFor(principalID)
	if err != nil {
		log.Printf("Failed to load sessions for presence notice: %v", err)
		return
	}

	for _, session := range sessions {
		peer := session.PeerOf(principalID)
		if peer == "" {
			continue
		}
		s.sendToUser(peer, Event{Type: eventType, UserID: principalID})
	}
}

func (s *DeliveryService) sendToUser(principalID string, event Event) {
	s.hub.mutex.RLock()
	defer s.hub.mutex.RUnlock()

	client, exists := s.hub.users[principalID]
	if !exists {
		// Not connected: no push attempted. The receiver catches up via
		// the ledger on reconnect.
		return
	}

	// Send is only closed after the client leaves the hub maps, under the
	// write lock. Holding the read lock across the send excludes that, so
	// the send can never hit a closed channel.
	select {
	case client.Send <- event:
	default:
		// Slow consumer; drop the event rather than block the caller.
	}
}

// trySend queues an event for a client without blocking. Reports false when
// the client is no longer registered or its buffer is full.
func (h *hub) trySend(client *Client, event Event) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.clients[client] {
		return false
	}
	select {
	case client.Send <- event:
		return true
	default:
		return false
	}
}

func (s *DeliveryService) dropConnection(principalID string) {
	s.hub.mutex.Lock()
	client, exists := s.hub.users[principalID]
	if exists {
		delete(s.hub.clients, client)
		delete(s.hub.users, principalID)
		close(client.Send)
	}
	s.hub.mutex.Unlock()

	if exists {
		client.Conn.Close()
	}
}

func (s *DeliveryService) recordLastSeen(principalID string) {
	_, err := s.db.Exec(`UPDATE principals SET last_seen = ? WHERE id = ?`, time.Now(), principalID)
	if err != nil {
		log.Printf("Failed to record last seen for %s: %v", principalID, err)
	}
}

// Client methods

func (c *Client) readPump() {
	defer func() {
		c.service.hub.unregister <- c
		c.Conn.Close()
	}()

	for {
		var event Event
		err := c.Conn.ReadJSON(&event)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		switch event.Type {
		case "ping":
			c.service.heartbeat(c.UserID)
			if !c.service.hub.trySend(c, Event{Type: EventPong}) {
				return
			}

		case "typing":
			if event.ConversationID == "" {
				continue
			}
			decision, err := c.service.guard.Authorize(c.UserID, event.ConversationID, OpSetTyping)
			if err != nil || !decision.Allowed {
				continue
			}
			c.service.SetTyping(event.ConversationID, c.UserID, event.IsTyping)

		case "mark_read":
			if event.ConversationID == "" {
				continue
			}
			c.handleMarkRead(event.ConversationID)
		}
	}
}

func (c *Client) writePump() {
	defer c.Conn.Close()

	for event := range c.Send {
		if err := c.Conn.WriteJSON(event); err != nil {
			log.Printf("WebSocket write error: %v", err)
			return
		}
	}
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// handleMarkRead flips read flags through the ledger and emits a read
// receipt back to the peer.
func (c *Client) handleMarkRead(conversationID string) {
	decision, err := c.service.guard.Authorize(c.UserID, conversationID, OpMarkRead)
	if err != nil || !decision.Allowed {
		c.service.hub.trySend(c, Event{Type: EventError, Message: "not authorized for conversation"})
		return
	}

	count, err := c.service.ledger.MarkRead(conversationID, c.UserID)
	if err != nil {
		log.Printf("Failed to mark messages read: %v", err)
		return
	}
	if count == 0 {
		return
	}

	c.service.NotifyReadReceipt(conversationID, c.UserID)
}
