// Package live pushes subscription changes to connected WebSocket clients.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/mapsheet/internal/billing/model"
)

// Message is a subscription change notification.
type Message struct {
	Type       string       `json:"type"`
	CustomerID string       `json:"customer_id"`
	PlanID     string       `json:"plan_id"`
	Status     model.Status `json:"status"`
	PeriodEnd  time.Time    `json:"period_end"`
	Marker     int64        `json:"marker"`
}

const TypeSubscriptionUpdated = "subscription_updated"

// NewMessage builds the notification for sub.
func NewMessage(sub *model.Subscription) Message {
	return Message{
		Type:       TypeSubscriptionUpdated,
		CustomerID: sub.CustomerID,
		PlanID:     sub.PlanID,
		Status:     sub.Status,
		PeriodEnd:  sub.CurrentPeriodEnd,
		Marker:     sub.LastEventSequence,
	}
}

// Hub maintains the set of active clients and fans messages out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger.With("component", "live"),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast delivers msg to every client watching its customer. Slow clients
// drop messages rather than block the caller.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.customerID != "" && c.customerID != msg.CustomerID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("client buffer full, dropping message", "customer_id", msg.CustomerID)
		}
	}
}

// SubscriptionChanged broadcasts sub to interested clients.
func (h *Hub) SubscriptionChanged(sub *model.Subscription) {
	h.Broadcast(NewMessage(sub))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
