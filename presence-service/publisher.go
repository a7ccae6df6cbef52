package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/blog-chat/pkg/presence"
)

// PresenceEvent is broadcast on presence.event whenever a user crosses the
// offline/online boundary.
type PresenceEvent struct {
	Type     string `json:"type"` // "user_online" or "user_offline"
	UserId   string `json:"userId"`
	LastSeen int64  `json:"lastSeen,omitempty"` // unix millis, offline only
}

// UserStore persists the durable online flag. Failures are best-effort: the
// registry and the broadcast never wait on the database.
type UserStore interface {
	SetOnline(ctx context.Context, userId string) error
	SetOffline(ctx context.Context, userId string, lastSeen time.Time) error
}

// Broadcaster delivers presence events to the rest of the system.
type Broadcaster interface {
	Broadcast(ctx context.Context, evt PresenceEvent) error
}

// Publisher drives the registry and emits exactly one event per offline/online
// transition. A mutex serializes the transition decision and the broadcast so
// a connect/disconnect race on the same user cannot reorder events.
type Publisher struct {
	mu    sync.Mutex
	reg   *presence.Registry
	store UserStore
	bc    Broadcaster
	now   func() time.Time
}

// NewPublisher creates a Publisher. A nil clock defaults to time.Now.
func NewPublisher(reg *presence.Registry, store UserStore, bc Broadcaster, clock func() time.Time) *Publisher {
	if clock == nil {
		clock = time.Now
	}
	return &Publisher{reg: reg, store: store, bc: bc, now: clock}
}

// Connect registers a connection handle. The first handle for a user flips
// them online: durable flag set, user_online broadcast. Repeat registrations
// of the same handle are idempotent.
func (p *Publisher) Connect(ctx context.Context, userId, connId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.reg.Register(userId, connId) {
		return
	}

	if err := p.store.SetOnline(ctx, userId); err != nil {
		slog.Warn("Failed to persist online flag", "user", userId, "error", err)
	}
	if err := p.bc.Broadcast(ctx, PresenceEvent{Type: "user_online", UserId: userId}); err != nil {
		slog.Warn("Failed to broadcast user_online", "user", userId, "error", err)
	}
	slog.Info("User online", "user", userId, "connId", connId)
}

// Disconnect removes a connection handle. Dropping the last handle flips the
// user offline with a lastSeen timestamp. Unknown handles are ignored.
func (p *Publisher) Disconnect(ctx context.Context, userId, connId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.reg.Unregister(userId, connId) {
		return
	}

	at := p.now()
	if err := p.store.SetOffline(ctx, userId, at); err != nil {
		slog.Warn("Failed to persist offline flag", "user", userId, "error", err)
	}
	evt := PresenceEvent{Type: "user_offline", UserId: userId, LastSeen: at.UnixMilli()}
	if err := p.bc.Broadcast(ctx, evt); err != nil {
		slog.Warn("Failed to broadcast user_offline", "user", userId, "error", err)
	}
	slog.Info("User offline", "user", userId, "connId", connId, "lastSeen", at)
}
