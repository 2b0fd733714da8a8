package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/domain"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrNotMember = errors.New("sender is not a channel member")
)

//go:generate go run go.uber.org/mock/mockgen -source=interfaces.go -destination=../mocks/mock_repository.go -package=mocks

type UserRepository interface {
	// Upsert inserts the user or refreshes its profile fields.
	Upsert(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.User, error)
}

type ChannelRepository interface {
	// Create stores ch with its members. For a two-party channel whose pair
	// already has one, the existing channel is returned with created=false.
	Create(ctx context.Context, ch *domain.Channel) (*domain.Channel, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error)
	ListByMember(ctx context.Context, userID uuid.UUID) ([]domain.Channel, error)
}

type MessageRepository interface {
	// Append inserts msg only if its sender belongs to its channel.
	Append(ctx context.Context, msg *domain.Message) error
	ListByChannels(ctx context.Context, channelIDs []uuid.UUID) (map[uuid.UUID][]domain.Message, error)
}
