package notify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/coffer-vault/coffer/internal/infrastructure/config"
	"github.com/coffer-vault/coffer/internal/infrastructure/logging"
)

func testHub() *Hub {
	return NewHub(config.WebSocketConfig{
		MaxMessageSize: 8192,
		PingInterval:   30,
		PongTimeout:    10,
	}, logging.Default())
}

// newIdleClient builds a client without pumps; tests read its send
// channel directly.
func newIdleClient(h *Hub, sessionID, accountID string, orgIDs []string) *Client {
	return NewClient(h, nil, sessionID, accountID, orgIDs)
}

func receiveEvent(t *testing.T, c *Client) Event {
	t.Helper()

	select {
	case data := <-c.send:
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("unmarshalling event: %v", err)
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, c *Client) {
	t.Helper()

	select {
	case data := <-c.send:
		t.Fatalf("unexpected event delivered: %s", data)
	default:
	}
}

func TestPublish(t *testing.T) {
	hub := testHub()

	alice := newIdleClient(hub, "ses-alice", "acc-alice", nil)
	bob := newIdleClient(hub, "ses-bob", "acc-bob", nil)
	hub.Register(alice)
	hub.Register(bob)

	hub.Publish(Event{
		Subject:   SubjectAccount,
		SubjectID: "acc-alice",
		Change:    ChangeCipherSaved,
		EntityID:  "cip-1",
		Revision:  7,
	})

	event := receiveEvent(t, alice)
	if event.Change != ChangeCipherSaved {
		t.Errorf("Change = %s, want %s", event.Change, ChangeCipherSaved)
	}
	if event.EntityID != "cip-1" || event.Revision != 7 {
		t.Errorf("event = %+v, want entity cip-1 revision 7", event)
	}
	if event.Timestamp == "" {
		t.Error("Publish() should stamp the event")
	}

	// Bob watches a different account subject.
	assertNoEvent(t, bob)
}

func TestPublish_OrgFanout(t *testing.T) {
	hub := testHub()

	alice := newIdleClient(hub, "ses-alice", "acc-alice", []string{"org-1"})
	bob := newIdleClient(hub, "ses-bob", "acc-bob", []string{"org-1"})
	carol := newIdleClient(hub, "ses-carol", "acc-carol", []string{"org-2"})
	hub.Register(alice)
	hub.Register(bob)
	hub.Register(carol)

	hub.Publish(Event{
		Subject:   SubjectOrganization,
		SubjectID: "org-1",
		Change:    ChangeCollectionSaved,
		EntityID:  "col-1",
	})

	for _, c := range []*Client{alice, bob} {
		event := receiveEvent(t, c)
		if event.SubjectID != "org-1" {
			t.Errorf("SubjectID = %s, want org-1", event.SubjectID)
		}
	}
	assertNoEvent(t, carol)
}

func TestPublish_OriginSuppressed(t *testing.T) {
	hub := testHub()

	desktop := newIdleClient(hub, "ses-desktop", "acc-1", nil)
	mobile := newIdleClient(hub, "ses-mobile", "acc-1", nil)
	hub.Register(desktop)
	hub.Register(mobile)

	hub.Publish(Event{
		Subject:       SubjectAccount,
		SubjectID:     "acc-1",
		Change:        ChangeCipherSaved,
		EntityID:      "cip-1",
		OriginSession: "ses-desktop",
	})

	// The device that made the change learns from its own response.
	assertNoEvent(t, desktop)
	receiveEvent(t, mobile)
}

func TestPublish_FullBufferDropped(t *testing.T) {
	hub := testHub()

	client := newIdleClient(hub, "ses-1", "acc-1", nil)
	hub.Register(client)

	// Nobody drains; overflow past the buffer must not block Publish.
	for i := 0; i < sendBufferSize+10; i++ {
		hub.Publish(Event{
			Subject:   SubjectAccount,
			SubjectID: "acc-1",
			Change:    ChangeCipherSaved,
			EntityID:  "cip-1",
		})
	}

	if got := len(client.send); got != sendBufferSize {
		t.Errorf("buffered events = %d, want %d", got, sendBufferSize)
	}
}

func TestUnregister(t *testing.T) {
	hub := testHub()

	client := newIdleClient(hub, "ses-1", "acc-1", []string{"org-1"})
	hub.Register(client)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d, want 1", got)
	}

	hub.Unregister(client)
	if got := hub.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d, want 0", got)
	}

	if _, open := <-client.send; open {
		t.Error("send channel should be closed after unregister")
	}

	// A second unregister is a no-op, not a double close.
	hub.Unregister(client)

	// Publishing to a departed client must not panic.
	hub.Publish(Event{Subject: SubjectAccount, SubjectID: "acc-1", Change: ChangeCipherSaved})
}

func TestClientCount(t *testing.T) {
	hub := testHub()

	// One client under several subjects still counts once.
	client := newIdleClient(hub, "ses-1", "acc-1", []string{"org-1", "org-2"})
	other := newIdleClient(hub, "ses-2", "acc-2", nil)
	hub.Register(client)
	hub.Register(other)

	if got := hub.ClientCount(); got != 2 {
		t.Errorf("ClientCount() = %d, want 2", got)
	}
}

func TestTrySend_ClosedChannel(t *testing.T) {
	hub := testHub()

	client := newIdleClient(hub, "ses-1", "acc-1", nil)
	hub.Register(client)
	hub.Unregister(client)

	// Disconnect racing a publish: the send is absorbed.
	client.trySend([]byte("late"))
}

func TestHandleMessage_Ping(t *testing.T) {
	hub := testHub()
	client := newIdleClient(hub, "ses-1", "acc-1", nil)

	client.handleMessage([]byte(`{"type":"ping"}`))

	select {
	case data := <-client.send:
		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshalling pong: %v", err)
		}
		if msg.Type != "pong" {
			t.Errorf("Type = %q, want pong", msg.Type)
		}
	default:
		t.Fatal("ping should queue a pong")
	}

	// Garbage and unknown types are ignored.
	client.handleMessage([]byte("not json"))
	client.handleMessage([]byte(`{"type":"other"}`))
	assertNoEvent(t, client)
}
