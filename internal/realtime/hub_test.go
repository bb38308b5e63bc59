package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventLedger, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventLedger, EventPurchase},
	}}

	ledgerEvent := &Event{Type: EventLedger}
	purchaseEvent := &Event{Type: EventPurchase}
	poolEvent := &Event{Type: EventPool}

	if !h.shouldSend(client, ledgerEvent) {
		t.Error("Should receive ledger events")
	}
	if !h.shouldSend(client, purchaseEvent) {
		t.Error("Should receive purchase events")
	}
	if h.shouldSend(client, poolEvent) {
		t.Error("Should NOT receive org_pool events")
	}
}

func TestShouldSend_IdentityFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Identities: []string{"alice@example.com"},
	}}

	matching := &Event{
		Type: EventLedger,
		Data: map[string]interface{}{"identity": "alice@example.com", "amount": "1.000000"},
	}
	notMatching := &Event{
		Type: EventLedger,
		Data: map[string]interface{}{"identity": "bob@example.com", "amount": "1.000000"},
	}
	matchingMember := &Event{
		Type: EventPool,
		Data: map[string]interface{}{"orgId": "acme", "userId": "alice@example.com"},
	}
	matchingOrg := &Event{
		Type: EventPool,
		Data: map[string]interface{}{"orgId": "alice@example.com"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on identity")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated identities")
	}
	if !h.shouldSend(client, matchingMember) {
		t.Error("Should match on userId")
	}
	if !h.shouldSend(client, matchingOrg) {
		t.Error("Should match on orgId")
	}
}

func TestShouldSend_MinCreditsFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinCredits: 10.0,
	}}

	large := &Event{
		Type: EventLedger,
		Data: map[string]interface{}{"amount": "15.000000"},
	}
	small := &Event{
		Type: EventLedger,
		Data: map[string]interface{}{"amount": "5.000000"},
	}
	pool := &Event{
		Type: EventPool,
		Data: map[string]interface{}{"credits": "1.000000"},
	}

	if !h.shouldSend(client, large) {
		t.Error("Should receive large debit")
	}
	if h.shouldSend(client, small) {
		t.Error("Should NOT receive small debit")
	}
	if !h.shouldSend(client, pool) {
		t.Error("MinCredits filter should only apply to ledger events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventLedger}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Identities: []string{"alice@example.com"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventPool,
		Data: "string data not a map",
	}

	// Identity filter skips non-map data (can't extract identities), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when identity filter can't extract identities")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventLedger, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.EmitLedgerEvent("debit", "alice@example.com", "5.000000", "txn_abc")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_EmitPoolEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.EmitPoolEvent("allocate", "acme", "alice@example.com", 2500)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants purchases
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventPurchase}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a ledger event (should be filtered out)
	h.Broadcast(&Event{Type: EventLedger, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive ledger event")
	default:
		// Good - filtered out
	}

	// Send a purchase event (should be received)
	h.EmitPurchaseEvent("acme", "pur_123", "10.000000")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive purchase event")
	}
}
