package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coffer-vault/coffer/internal/notify"
)

const (
	// ticketTTL is how long a websocket ticket stays redeemable.
	ticketTTL = 30 * time.Second
	// ticketCleanInterval is how often expired tickets are swept.
	ticketCleanInterval = time.Minute
	// ticketBytes is the number of random bytes in a ticket.
	ticketBytes = 24
)

// ticketEntry carries the identity bound to a pending ticket.
type ticketEntry struct {
	accountID string
	sessionID string
	expiresAt time.Time
}

// ticketStore holds pending live-update authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

// issue mints a ticket bound to the caller's identity.
func (ts *ticketStore) issue(accountID, sessionID string) string {
	ticket := generateTicket()
	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{
		accountID: accountID,
		sessionID: sessionID,
		expiresAt: time.Now().Add(ticketTTL),
	}
	ts.mu.Unlock()
	return ticket
}

// redeem consumes a ticket (single-use) and returns its identity.
func (ts *ticketStore) redeem(ticket string) (ticketEntry, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(ts.tickets, ticket)

	if time.Now().After(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// cleanLoop sweeps expired tickets until the context is cancelled.
func (ts *ticketStore) cleanLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketCleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			ts.mu.Lock()
			for ticket, entry := range ts.tickets {
				if now.After(entry.expiresAt) {
					delete(ts.tickets, ticket)
				}
			}
			ts.mu.Unlock()
		}
	}
}

// generateTicket creates a random hex ticket.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// handleWSTicket generates a single-use live-update ticket. The client
// uses it to authenticate the websocket connection without exposing
// the access token in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	identity := identityFrom(r)
	if identity == nil {
		writeUnauthorized(w, "authentication required")
		return
	}

	ticket := s.tickets.issue(identity.AccountID, identity.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// handleWebSocket upgrades the HTTP connection to a live-update
// channel. The connecting session watches its account's subject plus
// one subject per active organization membership.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	orgs, err := s.orgs.ListByAccount(r.Context(), entry.accountID)
	if err != nil {
		s.logger.Error("loading organizations for live-update channel failed", "error", err)
		writeInternalError(w, "internal server error")
		return
	}
	orgIDs := make([]string, 0, len(orgs))
	for _, org := range orgs {
		orgIDs = append(orgIDs, org.ID)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := notify.NewClient(s.hub, conn, entry.sessionID, entry.accountID, orgIDs)
	client.Start(s.cfg.WebSocket)
}
