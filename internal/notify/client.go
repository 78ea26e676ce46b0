package notify

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coffer-vault/coffer/internal/infrastructure/config"
)

// sendBufferSize is the per-client outbound message buffer size.
const sendBufferSize = 64

// Client is one live-update connection. A client watches its account's
// subject plus one subject per organization membership.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	subjects  []subjectKey
}

// NewClient wraps an upgraded connection. The account subject plus one
// subject per organization ID is watched.
func NewClient(hub *Hub, conn *websocket.Conn, sessionID, accountID string, orgIDs []string) *Client {
	subjects := make([]subjectKey, 0, len(orgIDs)+1)
	subjects = append(subjects, subjectKey{kind: SubjectAccount, id: accountID})
	for _, orgID := range orgIDs {
		subjects = append(subjects, subjectKey{kind: SubjectOrganization, id: orgID})
	}
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		sessionID: sessionID,
		subjects:  subjects,
	}
}

// Start registers the client and launches its pumps.
func (c *Client) Start(cfg config.WebSocketConfig) {
	c.hub.Register(c)
	go c.writePump(cfg)
	go c.readPump(cfg)
}

// readPump drains inbound frames. Clients only send liveness pings;
// any frame resets the read deadline.
func (c *Client) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("live-update read error", "session_id", c.sessionID, "error", err)
			} else {
				c.hub.logger.Debug("live-update channel closed", "session_id", c.sessionID)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump delivers queued events and protocol pings.
func (c *Client) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers client-level pings; everything else is ignored.
func (c *Client) handleMessage(data []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type == "ping" {
		pong, err := json.Marshal(map[string]string{"type": "pong"})
		if err != nil {
			return
		}
		c.trySend(pong)
	}
}

// trySend queues data without blocking. Closed channels (disconnect
// racing a publish) and full buffers are absorbed: the client catches
// up on its next sync.
func (c *Client) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}
