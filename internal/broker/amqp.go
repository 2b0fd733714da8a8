package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ is the production Bus. Publishing, topology changes and consuming
// each use their own AMQP channel.
type RabbitMQ struct {
	conn  *amqp.Connection
	queue string
	log   *slog.Logger

	pubMu sync.Mutex
	pub   *amqp.Channel

	topoMu sync.Mutex
	topo   *amqp.Channel
}

// DialRabbitMQ connects, declares the exchange and the node's exclusive
// auto-delete queue.
func DialRabbitMQ(url, node string, log *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing rabbitmq: %w", err)
	}

	r := &RabbitMQ{conn: conn, queue: node, log: log}

	if r.topo, err = conn.Channel(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening topology channel: %w", err)
	}
	if err := r.topo.ExchangeDeclare(ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}
	if _, err := r.topo.QueueDeclare(node, false, true, true, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring queue %s: %w", node, err)
	}

	if r.pub, err = conn.Channel(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening publish channel: %w", err)
	}

	log.Info("connected to rabbitmq", "node", node, "exchange", ExchangeName)
	return r, nil
}

func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	ch, err := r.reopen(r.pub)
	if err != nil {
		return err
	}
	r.pub = ch

	return ch.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (r *RabbitMQ) Bind(ctx context.Context, routingKey string) error {
	return r.withTopology(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(r.queue, routingKey, ExchangeName, false, nil)
	})
}

func (r *RabbitMQ) Unbind(ctx context.Context, routingKey string) error {
	return r.withTopology(ctx, func(ch *amqp.Channel) error {
		return ch.QueueUnbind(r.queue, routingKey, ExchangeName, nil)
	})
}

func (r *RabbitMQ) withTopology(ctx context.Context, op func(*amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.topoMu.Lock()
	defer r.topoMu.Unlock()

	ch, err := r.reopen(r.topo)
	if err != nil {
		return err
	}
	r.topo = ch
	return op(ch)
}

// reopen replaces a channel the server closed after a channel-level error.
func (r *RabbitMQ) reopen(ch *amqp.Channel) (*amqp.Channel, error) {
	if ch != nil && !ch.IsClosed() {
		return ch, nil
	}
	if r.conn.IsClosed() {
		return nil, ErrConnectionLost
	}
	return r.conn.Channel()
}

func (r *RabbitMQ) Consume(ctx context.Context, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, r.queue, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %s: %w", r.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrConnectionLost
			}
			if err := h(ctx, d.RoutingKey, d.Body); err != nil {
				r.log.Warn("dropping delivery", "key", d.RoutingKey, "error", err)
				if err := d.Nack(false, false); err != nil {
					r.log.Error("nack failed", "error", err)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				r.log.Error("ack failed", "error", err)
			}
		}
	}
}

func (r *RabbitMQ) Close() error {
	if r.conn.IsClosed() {
		return nil
	}
	return r.conn.Close()
}
