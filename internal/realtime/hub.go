package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/queue"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Broker carries events between instances.
type Broker interface {
	PublishOrgEvent(ctx context.Context, orgID uuid.UUID, event string, payload []byte) error
	SubscribeOrg(orgID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains organization_id -> set of connections and fans queue change events out to
// them. With a broker, events are published once and every instance (this one included)
// delivers them from its subscription.
type Hub struct {
	orgs   map[uuid.UUID]map[string]*Client
	subs   map[uuid.UUID]func()
	mu     sync.RWMutex
	logger *zap.Logger
	broker Broker
}

// NewHub creates a new WebSocket hub. broker may be nil for a single instance.
func NewHub(logger *zap.Logger, broker Broker) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		orgs:   make(map[uuid.UUID]map[string]*Client),
		subs:   make(map[uuid.UUID]func()),
		logger: logger,
		broker: broker,
	}
}

// Register adds a client to its organization. Starts the broker subscription for the first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orgs[c.OrganizationID] == nil {
		h.orgs[c.OrganizationID] = make(map[string]*Client)
		if h.broker != nil {
			orgID := c.OrganizationID
			cancel, err := h.broker.SubscribeOrg(orgID, func(event string, payload []byte) {
				h.Broadcast(orgID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("org subscription failed", zap.String("organization_id", orgID.String()), zap.Error(err))
			} else {
				h.subs[orgID] = cancel
			}
		}
	}
	h.orgs[c.OrganizationID][c.ID] = c
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("organization_id", c.OrganizationID.String()))
}

// Unregister removes a client. Cancels the broker subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.orgs[c.OrganizationID]
	if !ok {
		return
	}
	delete(m, c.ID)
	if len(m) == 0 {
		delete(h.orgs, c.OrganizationID)
		if cancel, ok := h.subs[c.OrganizationID]; ok {
			cancel()
			delete(h.subs, c.OrganizationID)
		}
	}
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("organization_id", c.OrganizationID.String()))
}

// Broadcast sends a message to all local clients of an organization. Slow clients drop messages.
func (h *Hub) Broadcast(orgID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.orgs[orgID] {
		select {
		case c.send <- msg:
		default:
			// buffer full; the client refetches on its next event
		}
	}
}

// Publish implements queue.Publisher.
func (h *Hub) Publish(ctx context.Context, ev queue.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if h.broker != nil {
		return h.broker.PublishOrgEvent(ctx, ev.OrganizationID, ev.Type, data)
	}
	h.Broadcast(ev.OrganizationID, ev.Type, json.RawMessage(data))
	return nil
}

// Connections returns the number of local clients of an organization.
func (h *Hub) Connections(orgID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orgs[orgID])
}
