// Package notify pushes typed change events to connected live-update
// channels. The hub's index maps a subject (account or organization)
// to its currently connected clients; it is in-memory only and rebuilt
// naturally as clients reconnect after a restart.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
)

// SubjectKind distinguishes whose stamp a change advanced.
type SubjectKind string

// Subject kinds.
const (
	SubjectAccount      SubjectKind = "account"
	SubjectOrganization SubjectKind = "organization"
)

// ChangeKind names the mutation that happened.
type ChangeKind string

// Change kinds.
const (
	ChangeCipherSaved       ChangeKind = "cipher_saved"
	ChangeCipherDeleted     ChangeKind = "cipher_deleted"
	ChangeCollectionSaved   ChangeKind = "collection_saved"
	ChangeCollectionDeleted ChangeKind = "collection_deleted"
	ChangeMembershipSaved   ChangeKind = "membership_saved"
	ChangeMembershipDeleted ChangeKind = "membership_deleted"
	ChangeOrgSaved          ChangeKind = "organization_saved"
	ChangeOrgDeleted        ChangeKind = "organization_deleted"
	ChangeSessionsRevoked   ChangeKind = "sessions_revoked"
)

// Event is a change notification pushed to subscribed clients.
type Event struct {
	Subject   SubjectKind `json:"subject"`
	SubjectID string      `json:"subject_id"`
	Change    ChangeKind  `json:"change"`
	EntityID  string      `json:"entity_id"`
	Revision  int64       `json:"revision"`
	Timestamp string      `json:"timestamp"`
	// OriginSession suppresses the echo push to the device that made
	// the change; it discovers its own mutation from the response.
	OriginSession string `json:"-"`
}

type subjectKey struct {
	kind SubjectKind
	id   string
}

// Hub manages live-update connections and fans events out to the
// clients watching each subject.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	mu      sync.RWMutex
	clients map[subjectKey]map[*Client]struct{}
}

// NewHub creates a notification hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[subjectKey]map[*Client]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client under every subject it watches.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	for _, key := range client.subjects {
		set, ok := h.clients[key]
		if !ok {
			set = make(map[*Client]struct{})
			h.clients[key] = set
		}
		set[client] = struct{}{}
	}
	h.mu.Unlock()
	h.logger.Debug("live-update client connected", "session_id", client.sessionID)
}

// Unregister removes a client from every subject set. Only the caller
// that actually removes the client closes its send channel, preventing
// double-close during shutdown races.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	existed := false
	for _, key := range client.subjects {
		if set, ok := h.clients[key]; ok {
			if _, in := set[client]; in {
				existed = true
				delete(set, client)
				if len(set) == 0 {
					delete(h.clients, key)
				}
			}
		}
	}
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("live-update client disconnected", "session_id", client.sessionID)
}

// Publish fans an event out to every client watching the subject,
// skipping the originating session. Delivery is best-effort: slow or
// disconnected clients miss the push and catch up on their next sync.
// Publish never blocks the caller.
func (h *Hub) Publish(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal change event", "error", err)
		return
	}

	key := subjectKey{kind: event.Subject, id: event.SubjectID}

	// Snapshot under the read lock, send outside it.
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[key]))
	for client := range h.clients[key] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range targets {
		if client.sessionID == event.OriginSession {
			continue
		}
		client.trySend(data)
		sent++
	}
	if sent > 0 {
		h.logger.Debug("change event published",
			"subject", string(event.Subject), "subject_id", event.SubjectID,
			"change", string(event.Change), "recipients", sent)
	}
}

// ClientCount returns the number of distinct connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, set := range h.clients {
		for client := range set {
			seen[client] = struct{}{}
		}
	}
	return len(seen)
}

// closeAll disconnects every client so their write pumps exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	closed := make(map[*Client]struct{})
	for key, set := range h.clients {
		for client := range set {
			if _, done := closed[client]; !done {
				close(client.send)
				if client.conn != nil {
					client.conn.Close()
				}
				closed[client] = struct{}{}
			}
		}
		delete(h.clients, key)
	}
}
