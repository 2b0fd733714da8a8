package domain

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var (
	ErrDirectNeedsTwoMembers = errors.New("a chat needs exactly two distinct members")
	ErrGroupNeedsAdmin       = errors.New("a group needs at least one admin")
	ErrDuplicateMember       = errors.New("channel members must be unique")
)

type Channel struct {
	ID        uuid.UUID `json:"_id"`
	IsGroup   bool      `json:"isGroup"`
	Name      string    `json:"name,omitempty"`
	Image     string    `json:"image,omitempty"`
	Members   []Member  `json:"members"`
	CreatedBy uuid.UUID `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	// DirectKey is set for two-party channels only and is unique per pair.
	DirectKey string `json:"-"`
}

// Member is one entry of a channel's ordered member set. User carries the
// redacted profile projection when the store could resolve it.
type Member struct {
	UserID uuid.UUID      `json:"userId"`
	Role   string         `json:"role,omitempty"`
	User   *MemberProfile `json:"user,omitempty"`
}

// ChannelWithMessages is one entry of the initial snapshot.
type ChannelWithMessages struct {
	Channel
	Messages []Message `json:"messages"`
}

// NewDirectChannel builds the two-party channel between creator and peer.
// Member order is [peer, creator].
func NewDirectChannel(creator, peer uuid.UUID, now time.Time) (*Channel, error) {
	if creator == uuid.Nil || peer == uuid.Nil || creator == peer {
		return nil, ErrDirectNeedsTwoMembers
	}
	ch := &Channel{
		ID:        uuid.New(),
		IsGroup:   false,
		Members:   []Member{{UserID: peer}, {UserID: creator}},
		CreatedBy: creator,
		CreatedAt: now,
		DirectKey: DirectKey(creator, peer),
	}
	return ch, nil
}

// NewGroupChannel builds a group owned by creator. memberIDs are deduplicated,
// the creator is dropped from them and appended last with the admin role.
func NewGroupChannel(creator uuid.UUID, name string, memberIDs []uuid.UUID, now time.Time) (*Channel, error) {
	if creator == uuid.Nil {
		return nil, ErrGroupNeedsAdmin
	}
	seen := make(map[uuid.UUID]struct{}, len(memberIDs)+1)
	seen[creator] = struct{}{}

	members := make([]Member, 0, len(memberIDs)+1)
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok || id == uuid.Nil {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, Member{UserID: id, Role: RoleMember})
	}
	members = append(members, Member{UserID: creator, Role: RoleAdmin})

	return &Channel{
		ID:        uuid.New(),
		IsGroup:   true,
		Name:      strings.TrimSpace(name),
		Members:   members,
		CreatedBy: creator,
		CreatedAt: now,
	}, nil
}

// Validate checks the membership invariants.
func (c *Channel) Validate() error {
	seen := make(map[uuid.UUID]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, ok := seen[m.UserID]; ok {
			return ErrDuplicateMember
		}
		seen[m.UserID] = struct{}{}
	}
	if !c.IsGroup {
		if len(c.Members) != 2 {
			return ErrDirectNeedsTwoMembers
		}
		return nil
	}
	if !slices.ContainsFunc(c.Members, func(m Member) bool { return m.Role == RoleAdmin }) {
		return ErrGroupNeedsAdmin
	}
	return nil
}

func (c *Channel) HasMember(userID uuid.UUID) bool {
	return slices.ContainsFunc(c.Members, func(m Member) bool { return m.UserID == userID })
}

func (c *Channel) MemberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(c.Members))
	for i, m := range c.Members {
		ids[i] = m.UserID
	}
	return ids
}

// Peer returns the other party of a two-party channel.
func (c *Channel) Peer(self uuid.UUID) (uuid.UUID, bool) {
	if c.IsGroup {
		return uuid.Nil, false
	}
	for _, m := range c.Members {
		if m.UserID != self {
			return m.UserID, true
		}
	}
	return uuid.Nil, false
}

// DirectKey is the order-independent identity of a user pair.
func DirectKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if x > y {
		x, y = y, x
	}
	return x + ":" + y
}
