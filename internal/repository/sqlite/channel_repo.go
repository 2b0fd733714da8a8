// Package sqlite implements the repositories on a single-file SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vedran77/chatrelay/internal/domain"
)

type ChannelRepo struct {
	db *sql.DB
}

func NewChannelRepo(db *sql.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

const channelColumns = `c.id, c.is_group, c.name, c.image, COALESCE(c.direct_key, ''), c.created_by, c.created_at`

func (r *ChannelRepo) Create(ctx context.Context, ch *domain.Channel) (*domain.Channel, bool, error) {
	if err := ch.Validate(); err != nil {
		return nil, false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback()

	var directKey sql.NullString
	if !ch.IsGroup {
		directKey = sql.NullString{String: ch.DirectKey, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO channels (id, is_group, name, image, direct_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (direct_key) DO NOTHING`,
		ch.ID.String(), ch.IsGroup, ch.Name, ch.Image, directKey, ch.CreatedBy.String(), toNanos(ch.CreatedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("inserting channel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		// The pair already has a channel.
		if err := tx.Rollback(); err != nil {
			return nil, false, fmt.Errorf("rolling back: %w", err)
		}
		existing, err := r.getOne(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.direct_key = ?`, ch.DirectKey)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("channel for pair %s vanished", ch.DirectKey)
		}
		return existing, false, nil
	}

	for i, m := range ch.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, user_id, position, role) VALUES (?, ?, ?, ?)`,
			ch.ID.String(), m.UserID.String(), i, m.Role,
		); err != nil {
			return nil, false, fmt.Errorf("inserting member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing channel: %w", err)
	}

	created, err := r.GetByID(ctx, ch.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (r *ChannelRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	return r.getOne(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = ?`, id.String())
}

func (r *ChannelRepo) getOne(ctx context.Context, query string, arg any) (*domain.Channel, error) {
	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
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
	return ch, nil
}

func (r *ChannelRepo) ListByMember(ctx context.Context, userID uuid.UUID) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+channelColumns+`
		FROM channels c
		JOIN channel_members cm ON cm.channel_id = c.id
		WHERE cm.user_id = ?
		ORDER BY c.created_at, c.id`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
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

func (r *ChannelRepo) loadMembers(ctx context.Context, channelIDs []uuid.UUID) (map[uuid.UUID][]domain.Member, error) {
	out := make(map[uuid.UUID][]domain.Member, len(channelIDs))
	if len(channelIDs) == 0 {
		return out, nil
	}

	placeholders, args := inClause(channelIDs)
	rows, err := r.db.QueryContext(ctx, `
		SELECT cm.channel_id, cm.user_id, cm.role, u.id, u.name, u.email, u.phone_no, u.image
		FROM channel_members cm
		LEFT JOIN users u ON u.id = cm.user_id
		WHERE cm.channel_id IN (`+placeholders+`)
		ORDER BY cm.channel_id, cm.position`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			channelID, userID, role              string
			profileID, name, email, phone, image sql.NullString
		)
		if err := rows.Scan(&channelID, &userID, &role, &profileID, &name, &email, &phone, &image); err != nil {
			return nil, err
		}
		cid, err := uuid.Parse(channelID)
		if err != nil {
			return nil, fmt.Errorf("parsing channel id: %w", err)
		}
		m := domain.Member{Role: role}
		if m.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parsing member id: %w", err)
		}
		if profileID.Valid {
			m.User = &domain.MemberProfile{
				ID:      m.UserID,
				Name:    name.String,
				Email:   email.String,
				PhoneNo: phone.String,
				Image:   image.String,
			}
		}
		out[cid] = append(out[cid], m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*domain.Channel, error) {
	var (
		ch            domain.Channel
		id, createdBy string
		createdAt     int64
	)
	if err := row.Scan(&id, &ch.IsGroup, &ch.Name, &ch.Image, &ch.DirectKey, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if ch.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing channel id: %w", err)
	}
	if ch.CreatedBy, err = uuid.Parse(createdBy); err != nil {
		return nil, fmt.Errorf("parsing creator id: %w", err)
	}
	ch.CreatedAt = fromNanos(createdAt)
	return &ch, nil
}

func inClause(ids []uuid.UUID) (string, []any) {
	args := lo.Map(ids, func(id uuid.UUID, _ int) any { return id.String() })
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
