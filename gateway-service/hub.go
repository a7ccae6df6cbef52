package main

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// presenceEvent mirrors the payload published on presence.event.
type presenceEvent struct {
	Type     string `json:"type"`
	UserId   string `json:"userId"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// hub tracks the websocket clients attached to this gateway instance so
// presence transitions can be written out to everyone watching.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]*wsClient // userId -> connId -> client
}

func newHub() *hub {
	return &hub{clients: make(map[string]map[string]*wsClient)}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.userId]
	if conns == nil {
		conns = make(map[string]*wsClient)
		h.clients[c.userId] = conns
	}
	conns[c.connId] = c
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.clients[c.userId]
	delete(conns, c.connId)
	if len(conns) == 0 {
		delete(h.clients, c.userId)
	}
}

// watchPresence subscribes to presence.event. Every gateway instance listens
// on its own, so this is a plain subscription, not a queue group.
func (h *hub) watchPresence(nc *nats.Conn) (*nats.Subscription, error) {
	return nc.Subscribe("presence.event", func(msg *nats.Msg) {
		var evt presenceEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Type == "" || evt.UserId == "" {
			return
		}
		h.broadcastPresence(evt)
	})
}

// broadcastPresence writes a presence transition to every attached client
// except the transitioning user's own connections.
func (h *hub) broadcastPresence(evt presenceEvent) {
	data := map[string]any{"userId": evt.UserId}
	if evt.LastSeen != 0 {
		data["lastSeen"] = evt.LastSeen
	}
	frame, _ := json.Marshal(map[string]any{"event": evt.Type, "data": data})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for userId, conns := range h.clients {
		if userId == evt.UserId {
			continue
		}
		for _, c := range conns {
			select {
			case c.send <- frame:
			default:
				slog.Warn("Dropping presence event, slow websocket client",
					"user", c.userId, "connId", c.connId)
			}
		}
	}
}
