package broker

import (
	"context"
	"log/slog"
	"sync"
)

const memoryQueueSize = 1024

// Exchange is an in-process direct exchange. Nodes sharing one Exchange see
// the same routing as nodes sharing a RabbitMQ exchange.
type Exchange struct {
	mu       sync.RWMutex
	queues   map[string]*MemoryBus
	bindings map[string]map[string]struct{} // routing key -> queue names
	log      *slog.Logger
}

func NewExchange(log *slog.Logger) *Exchange {
	return &Exchange{
		queues:   make(map[string]*MemoryBus),
		bindings: make(map[string]map[string]struct{}),
		log:      log,
	}
}

// Node declares the queue for node and returns a Bus bound to it. Declaring
// an existing name replaces the previous queue.
func (e *Exchange) Node(node string) *MemoryBus {
	b := &MemoryBus{
		exchange:   e,
		queue:      node,
		deliveries: make(chan memoryDelivery, memoryQueueSize),
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	old := e.queues[node]
	e.queues[node] = b
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return b
}

// Bound reports whether routingKey currently routes to node.
func (e *Exchange) Bound(node, routingKey string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.bindings[routingKey][node]
	return ok
}

func (e *Exchange) route(routingKey string) []*MemoryBus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := e.bindings[routingKey]
	out := make([]*MemoryBus, 0, len(names))
	for name := range names {
		if q, ok := e.queues[name]; ok {
			out = append(out, q)
		}
	}
	return out
}

func (e *Exchange) bind(node, routingKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.bindings[routingKey]
	if !ok {
		set = make(map[string]struct{})
		e.bindings[routingKey] = set
	}
	set[node] = struct{}{}
}

func (e *Exchange) unbind(node, routingKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unbindLocked(node, routingKey)
}

func (e *Exchange) unbindLocked(node, routingKey string) {
	set := e.bindings[routingKey]
	delete(set, node)
	if len(set) == 0 {
		delete(e.bindings, routingKey)
	}
}

// drop deletes the queue and every binding pointing at it.
func (e *Exchange) drop(b *MemoryBus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queues[b.queue] != b {
		return
	}
	delete(e.queues, b.queue)
	for key, set := range e.bindings {
		if _, ok := set[b.queue]; ok {
			e.unbindLocked(b.queue, key)
		}
	}
}

type memoryDelivery struct {
	routingKey string
	body       []byte
}

// MemoryBus is one node's view of an Exchange.
type MemoryBus struct {
	exchange   *Exchange
	queue      string
	deliveries chan memoryDelivery
	done       chan struct{}
	closeOnce  sync.Once
}

func (b *MemoryBus) Publish(ctx context.Context, routingKey string, body []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	for _, q := range b.exchange.route(routingKey) {
		d := memoryDelivery{routingKey: routingKey, body: append([]byte(nil), body...)}
		select {
		case q.deliveries <- d:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *MemoryBus) Bind(ctx context.Context, routingKey string) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.exchange.bind(b.queue, routingKey)
	return nil
}

func (b *MemoryBus) Unbind(ctx context.Context, routingKey string) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	b.exchange.unbind(b.queue, routingKey)
	return nil
}

func (b *MemoryBus) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return ErrClosed
		case d := <-b.deliveries:
			// A failed delivery is dropped, never requeued.
			if err := h(ctx, d.routingKey, d.body); err != nil {
				b.exchange.log.Debug("dropping delivery", "queue", b.queue, "key", d.routingKey, "error", err)
			}
		}
	}
}

func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.exchange.drop(b)
	})
	return nil
}
