package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/vedran77/chatrelay/internal/domain"
)

type ChannelRepo struct {
	pool *pgxpool.Pool
}

func NewChannelRepo(pool *pgxpool.Pool) *ChannelRepo {
	return &ChannelRepo{pool: pool}
}

const channelColumns = `c.id, c.is_group, c.name, c.image, COALESCE(c.direct_key, ''), c.created_by, c.created_at`

func (r *ChannelRepo) Create(ctx context.Context, ch *domain.Channel) (*domain.Channel, bool, error) {
	if err := ch.Validate(); err != nil {
		return nil, false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var directKey *string
	if !ch.IsGroup {
		directKey = &ch.DirectKey
	}

	query := `
		INSERT INTO channels (id, is_group, name, image, direct_key, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (direct_key) DO NOTHING`
	tag, err := tx.Exec(ctx, query,
		ch.ID, ch.IsGroup, ch.Name, ch.Image, directKey, ch.CreatedBy, ch.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting channel: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// The pair already has a channel.
		if err := tx.Rollback(ctx); err != nil {
			return nil, false, fmt.Errorf("rolling back: %w", err)
		}
		existing, err := r.getByDirectKey(ctx, ch.DirectKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	batch := &pgx.Batch{}
	for i, m := range ch.Members {
		batch.Queue(`INSERT INTO channel_members (channel_id, user_id, position, role) VALUES ($1, $2, $3, $4)`,
			ch.ID, m.UserID, i, m.Role)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, false, fmt.Errorf("inserting members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing channel: %w", err)
	}

	created, err := r.GetByID(ctx, ch.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *ChannelRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels c WHERE c.id = $1`
	return r.getOne(ctx, query, id)
}

func (r *ChannelRepo) getByDirectKey(ctx context.Context, key string) (*domain.Channel, error) {
	query := `SELECT ` + channelColumns + ` FROM channels c WHERE c.direct_key = $1`
	ch, err := r.getOne(ctx, query, key)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, fmt.Errorf("channel for pair %s vanished", key)
	}
	return ch, nil
}

func (r *ChannelRepo) getOne(ctx context.Context, query string, arg any) (*domain.Channel, error) {
	var ch domain.Channel
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&ch.ID, &ch.IsGroup, &ch.Name, &ch.Image, &ch.DirectKey, &ch.CreatedBy, &ch.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	members, err := r.loadMembers(ctx, []uuid.UUID{ch.ID})
	if err != nil {
		return nil, err
	}
	ch.Members = members[ch.ID]
	return &ch, nil
}

func (r *ChannelRepo) ListByMember(ctx context.Context, userID uuid.UUID) ([]domain.Channel, error) {
	query := `SELECT ` + channelColumns + `
		FROM channels c
		JOIN channel_members cm ON cm.channel_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.created_at, c.id`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.IsGroup, &ch.Name, &ch.Image, &ch.DirectKey, &ch.CreatedBy, &ch.CreatedAt); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	members, err := r.loadMembers(ctx, lo.Map(channels, func(ch domain.Channel, _ int) uuid.UUID { return ch.ID }))
	if err != nil {
		return nil, err
	}
	for i := range channels {
		channels[i].Members = members[channels[i].ID]
	}
	return channels, nil
}

// loadMembers returns members per channel in creation order, with the profile
// attached when the user row exists.
func (r *ChannelRepo) loadMembers(ctx context.Context, channelIDs []uuid.UUID) (map[uuid.UUID][]domain.Member, error) {
	out := make(map[uuid.UUID][]domain.Member, len(channelIDs))
	if len(channelIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT cm.channel_id, cm.user_id, cm.role, u.id, u.name, u.email, u.phone_no, u.image
		FROM channel_members cm
		LEFT JOIN users u ON u.id = cm.user_id
		WHERE cm.channel_id = ANY($1::uuid[])
		ORDER BY cm.channel_id, cm.position`

	rows, err := r.pool.Query(ctx, query, uuidStrings(channelIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			channelID uuid.UUID
			m         domain.Member
			profileID *uuid.UUID
			name      *string
			email     *string
			phoneNo   *string
			image     *string
		)
		if err := rows.Scan(&channelID, &m.UserID, &m.Role, &profileID, &name, &email, &phoneNo, &image); err != nil {
			return nil, err
		}
		if profileID != nil {
			m.User = &domain.MemberProfile{
				ID:      *profileID,
				Name:    lo.FromPtr(name),
				Email:   lo.FromPtr(email),
				PhoneNo: lo.FromPtr(phoneNo),
				Image:   lo.FromPtr(image),
			}
		}
		out[channelID] = append(out[channelID], m)
	}
	return out, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	return lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() })
}
