// Package websocket streams reservation lifecycle changes to connected
// clients. Clients subscribe to topics inside their own tenant and receive
// every event touching those topics.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/booking/booking/internal/domain/reservation"
	"github.com/booking/booking/internal/platform/bus"
)

// TopicAll receives every event of the tenant.
const TopicAll = "reservations"

func ResourceTopic(id uuid.UUID) string    { return "resource/" + id.String() }
func ReservationTopic(id uuid.UUID) string { return "reservation/" + id.String() }

// ValidTopic reports whether topic is one a client may subscribe to.
func ValidTopic(topic string) bool {
	if topic == TopicAll {
		return true
	}
	kind, id, ok := strings.Cut(topic, "/")
	if !ok || (kind != "resource" && kind != "reservation") {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Event is what clients receive. It carries enough to refresh a calendar
// view without another round trip.
type Event struct {
	Type          reservation.EventType `json:"type"`
	ReservationID uuid.UUID             `json:"reservation_id"`
	Version       int64                 `json:"version"`
	Status        reservation.Status    `json:"status"`
	ResourceIDs   []uuid.UUID           `json:"resource_ids"`
	Start         time.Time             `json:"start"`
	End           time.Time             `json:"end"`
	OccurredAt    time.Time             `json:"occurred_at"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connection. Send is closed by Unregister.
type Client struct {
	ID     string
	Tenant string
	Topics []string
	Send   chan []byte
}

func NewClient(tenant string, topics []string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Tenant: tenant,
		Topics: topics,
		Send:   make(chan []byte, 256),
	}
}

// Hub tracks clients by tenant-scoped topic. A client never sees another
// tenant's events.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // tenant|topic -> clients
	all     map[*Client]struct{}
	dropped int64
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

func scoped(tenant, topic string) string { return tenant + "|" + topic }

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	h.add(client, client.Topics)
}

func (h *Hub) add(client *Client, topics []string) {
	for _, topic := range topics {
		key := scoped(client.Tenant, topic)
		if h.clients[key] == nil {
			h.clients[key] = make(map[*Client]struct{})
		}
		h.clients[key][client] = struct{}{}
	}
}

func (h *Hub) remove(client *Client, topics []string) {
	for _, topic := range topics {
		key := scoped(client.Tenant, topic)
		if subscribers, ok := h.clients[key]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, key)
			}
		}
	}
}

// Unregister drops the client from every topic and closes its Send channel.
// Calling it twice is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	h.remove(client, client.Topics)
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var added []string
	for _, t := range topics {
		if ValidTopic(t) {
			added = append(added, t)
		}
	}
	h.add(client, added)
	client.Topics = append(client.Topics, added...)
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
	}
	h.remove(client, topics)

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Broadcast sends ev once to every client of tenant subscribed to any of
// topics. Clients with a full buffer miss the event.
func (h *Hub) Broadcast(tenant string, topics []string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		for client := range h.clients[scoped(tenant, topic)] {
			if _, ok := seen[client]; ok {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
			default:
				h.dropped++
			}
		}
	}
	return nil
}

// Handle is a bus.Handler that fans a lifecycle event out to the tenant's
// clients. Undecodable messages are skipped; the projection consumer parks
// them.
func (h *Hub) Handle(_ context.Context, msg bus.Message) error {
	var ev reservation.Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil || ev.Tenant == "" {
		return nil
	}

	out := Event{
		Type:          ev.Type,
		ReservationID: ev.ReservationID,
		Version:       ev.Version,
		Status:        ev.Status,
		Start:         ev.Start,
		End:           ev.End,
		OccurredAt:    ev.OccurredAt,
	}
	topics := []string{TopicAll, ReservationTopic(ev.ReservationID)}
	for _, b := range ev.Bindings {
		out.ResourceIDs = append(out.ResourceIDs, b.ResourceID)
		topics = append(topics, ResourceTopic(b.ResourceID))
	}
	return h.Broadcast(ev.Tenant, topics, out)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(tenant, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scoped(tenant, topic)])
}

// Dropped counts events skipped because a client was too slow.
func (h *Hub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}
