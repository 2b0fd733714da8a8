package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/repository"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Append(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (id, channel_id, sender_id, body, bucket, created_at)
		SELECT $1::uuid, $2::uuid, $3::uuid, $4::text, $5::bigint, $6::timestamptz
		WHERE EXISTS (
			SELECT 1 FROM channel_members WHERE channel_id = $2::uuid AND user_id = $3::uuid
		)`
	tag, err := r.pool.Exec(ctx, query,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Body, msg.Bucket, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, msg.ChannelID).Scan(&exists); err != nil {
		return fmt.Errorf("checking channel: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrNotMember
}

func (r *MessageRepo) ListByChannels(ctx context.Context, channelIDs []uuid.UUID) (map[uuid.UUID][]domain.Message, error) {
	out := make(map[uuid.UUID][]domain.Message, len(channelIDs))
	if len(channelIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT id, channel_id, sender_id, body, bucket, created_at
		FROM messages
		WHERE channel_id = ANY($1::uuid[])
		ORDER BY channel_id, created_at, id`

	rows, err := r.pool.Query(ctx, query, uuidStrings(channelIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Body, &msg.Bucket, &msg.CreatedAt); err != nil {
			return nil, err
		}
		out[msg.ChannelID] = append(out[msg.ChannelID], msg)
	}
	return out, rows.Err()
}
