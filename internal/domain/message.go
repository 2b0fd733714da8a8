package domain

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

const (
	// BucketSpan is the width of one time bucket.
	BucketSpan = 24 * time.Hour

	hashBuckets = 4096
)

type Message struct {
	ID        uuid.UUID `json:"_id"`
	ChannelID uuid.UUID `json:"channelId"`
	SenderID  uuid.UUID `json:"senderId"`
	Body      string    `json:"message"`
	Bucket    int64     `json:"bucket"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage allocates a time-ordered id and derives the bucket from it.
func NewMessage(channelID, senderID uuid.UUID, body string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocating message id: %w", err)
	}
	return &Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  senderID,
		Body:      body,
		Bucket:    Bucket(id),
		CreatedAt: idTime(id),
	}, nil
}

// Bucket maps a message id to its storage partition. Version 7 ids land in the
// day their timestamp falls in; any other id is hashed into a negative range
// so the two families never overlap.
func Bucket(id uuid.UUID) int64 {
	if id.Version() == 7 {
		return idTime(id).UnixMilli() / BucketSpan.Milliseconds()
	}
	return -1 - int64(xxhash.Sum64(id[:])%hashBuckets)
}

// idTime reads the 48-bit millisecond timestamp of a version 7 id.
func idTime(id uuid.UUID) time.Time {
	var buf [8]byte
	copy(buf[2:], id[:6])
	ms := int64(binary.BigEndian.Uint64(buf[:]))
	return time.UnixMilli(ms).UTC()
}
