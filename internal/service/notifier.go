package service

import (
	"context"

	"github.com/vedran77/chatrelay/internal/domain"
)

//go:generate go run go.uber.org/mock/mockgen -source=notifier.go -destination=../mocks/mock_notifier.go -package=mocks

// Notifier delivers an event to every recipient it names, wherever they are
// connected.
type Notifier interface {
	Notify(ctx context.Context, evt *domain.OutboundEvent) error
}
