// Package broker moves encoded events between nodes. Every node owns one
// queue; a user's events reach a node only while that node holds a binding
// for the user's id.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// ExchangeName is the direct exchange all nodes publish to.
const ExchangeName = "messages"

var (
	ErrClosed         = errors.New("broker closed")
	ErrConnectionLost = errors.New("broker connection lost")
)

// Handler processes one delivery. A returned error drops the delivery.
type Handler func(ctx context.Context, routingKey string, body []byte) error

//go:generate go run go.uber.org/mock/mockgen -source=bus.go -destination=../mocks/mock_bus.go -package=mocks

type Bus interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Bind(ctx context.Context, routingKey string) error
	Unbind(ctx context.Context, routingKey string) error
	// Consume delivers messages from the node queue one at a time until ctx
	// is done or the connection fails.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Error records which broker operation failed for which routing key.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
