package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/broker"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/pkg/protocol"
)

const defaultDedupWindow = 1024

// Dispatcher turns deliveries from this node's broker queue into event frames
// for the local connections of the routing-key user.
type Dispatcher struct {
	hub    *Hub
	ledger *ledger
	log    *slog.Logger
}

func NewDispatcher(hub *Hub, window int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:    hub,
		ledger: newLedger(window),
		log:    log,
	}
}

// Run consumes the node queue until ctx is done or the broker fails.
func (d *Dispatcher) Run(ctx context.Context, bus broker.Bus) error {
	return bus.Consume(ctx, d.Handle)
}

// Handle processes a single delivery. Redelivered events that were already
// handed to the hub are dropped.
func (d *Dispatcher) Handle(ctx context.Context, routingKey string, body []byte) error {
	userID, err := uuid.Parse(routingKey)
	if err != nil {
		return fmt.Errorf("routing key %q: %w", routingKey, err)
	}

	evt, err := domain.UnmarshalEvent(body)
	if err != nil {
		d.log.Warn("dispatcher: dropping undecodable event", "user", userID, "error", err)
		return err
	}

	key := userID.String() + "|" + string(evt.Kind) + "|" + evt.EntityID().String()
	if !d.ledger.add(key) {
		d.log.Debug("dispatcher: duplicate delivery", "user", userID, "event", evt.Kind, "id", evt.EntityID())
		return nil
	}

	data, err := protocol.Encode(protocol.TypeEvent, "", json.RawMessage(body))
	if err != nil {
		return fmt.Errorf("encoding event frame: %w", err)
	}
	return d.hub.DeliverToUser(ctx, userID, data)
}

// ledger remembers the most recent keys, evicting the oldest first.
type ledger struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newLedger(size int) *ledger {
	if size <= 0 {
		size = defaultDedupWindow
	}
	return &ledger{
		seen: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// add records key and reports whether it was new.
func (l *ledger) add(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[key]; ok {
		return false
	}
	if old := l.ring[l.next]; old != "" {
		delete(l.seen, old)
	}
	l.ring[l.next] = key
	l.next = (l.next + 1) % len(l.ring)
	l.seen[key] = struct{}{}
	return true
}
