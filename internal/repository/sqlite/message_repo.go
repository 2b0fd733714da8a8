package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/repository"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Append(ctx context.Context, msg *domain.Message) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, body, bucket, created_at)
		SELECT ?1, ?2, ?3, ?4, ?5, ?6
		WHERE EXISTS (
			SELECT 1 FROM channel_members WHERE channel_id = ?2 AND user_id = ?3
		)`,
		msg.ID.String(), msg.ChannelID.String(), msg.SenderID.String(), msg.Body, msg.Bucket, toNanos(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM channels WHERE id = ?)`, msg.ChannelID.String(),
	).Scan(&exists); err != nil {
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

	placeholders, args := inClause(channelIDs)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, channel_id, sender_id, body, bucket, created_at
		FROM messages
		WHERE channel_id IN (`+placeholders+`)
		ORDER BY channel_id, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg                 domain.Message
			id, channel, sender string
			createdAt           int64
		)
		if err := rows.Scan(&id, &channel, &sender, &msg.Body, &msg.Bucket, &createdAt); err != nil {
			return nil, err
		}
		if msg.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing message id: %w", err)
		}
		if msg.ChannelID, err = uuid.Parse(channel); err != nil {
			return nil, fmt.Errorf("parsing channel id: %w", err)
		}
		if msg.SenderID, err = uuid.Parse(sender); err != nil {
			return nil, fmt.Errorf("parsing sender id: %w", err)
		}
		msg.CreatedAt = fromNanos(createdAt)
		out[msg.ChannelID] = append(out[msg.ChannelID], msg)
	}
	return out, rows.Err()
}
