package live

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/mapsheet/internal/billing/model"
	"github.com/dukerupert/mapsheet/internal/logging"
)

func mockClient(hub *Hub, customerID string) *Client {
	return &Client{
		hub:        hub,
		send:       make(chan []byte, sendBufferSize),
		customerID: customerID,
	}
}

func sampleSub(customerID string) *model.Subscription {
	return &model.Subscription{
		CustomerID:        customerID,
		PlanID:            "lite",
		Status:            model.StatusActive,
		CurrentPeriodEnd:  time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		LastEventSequence: 42,
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(logging.Discard())
	c1 := mockClient(hub, "")
	c2 := mockClient(hub, "")

	hub.Register(c1)
	hub.Register(c2)
	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client, got %d", got)
	}
}

func TestSubscriptionChangedFiltersByCustomer(t *testing.T) {
	hub := NewHub(logging.Discard())
	all := mockClient(hub, "")
	mine := mockClient(hub, "c1")
	other := mockClient(hub, "c2")
	for _, c := range []*Client{all, mine, other} {
		hub.Register(c)
	}

	hub.SubscriptionChanged(sampleSub("c1"))

	for _, c := range []*Client{all, mine} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != TypeSubscriptionUpdated {
				t.Errorf("type = %q", got.Type)
			}
			if got.CustomerID != "c1" || got.PlanID != "lite" || got.Marker != 42 {
				t.Errorf("got %+v", got)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}

	select {
	case <-other.send:
		t.Error("client watching c2 should not receive c1 updates")
	default:
	}
}

func TestBroadcastFullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub(logging.Discard())
	c := mockClient(hub, "")
	hub.Register(c)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.SubscriptionChanged(sampleSub("c1"))
	}
	if got := len(c.send); got != sendBufferSize {
		t.Errorf("buffered = %d, want %d", got, sendBufferSize)
	}
}

func TestHandleWebSocketStreamsUpdates(t *testing.T) {
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(HandleWebSocket(hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?customer_id=c1"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	hub.SubscriptionChanged(sampleSub("c1"))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CustomerID != "c1" || got.Status != model.StatusActive {
		t.Errorf("got %+v", got)
	}
}
