// Package protocol defines the WebSocket frames exchanged between chat
// clients and nodes.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/vedran77/chatrelay/internal/domain"
)

// Frame types - Client → Server
const (
	TypeMessageSend  = "message:send"
	TypeGroupCreate  = "group:create"
	TypeChatCreate   = "chat:create"
	TypeChannelsList = "channels:list"
	TypeServerName   = "server:name"
	TypePing         = "ping"
)

// Frame types - Server → Client
const (
	TypeAck               = "ack"
	TypeConnectionSuccess = "connection:success"
	TypeEvent             = "event"
	TypePong              = "pong"
	TypeError             = "error"
)

// CloseUnauthorized is the close code a node uses when it drops a connection
// whose token has expired.
const CloseUnauthorized = 4401

// Frame is the envelope for every WebSocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type SendMessagePayload struct {
	ChannelID string `json:"channelId"`
	Message   string `json:"message"`
}

type CreateGroupPayload struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type CreateChatPayload struct {
	Member string `json:"member"`
}

// --- Server → Client payloads ---

// AckPayload answers exactly one request. Data is set on success, Errors on
// failure.
type AckPayload struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Errors  *ErrorPayload   `json:"errors,omitempty"`
}

type ErrorPayload struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type SnapshotPayload struct {
	Channels []domain.ChannelWithMessages `json:"channels"`
}

// EventPayload is the broker body forwarded as is.
type EventPayload struct {
	Event domain.EventKind `json:"event"`
	Data  json.RawMessage  `json:"data"`
}

// NewFrame creates a frame with the current timestamp.
func NewFrame(frameType, requestID string, payload any) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return &Frame{
		Type:      frameType,
		RequestID: requestID,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}, nil
}

// Encode marshals a frame built by NewFrame.
func Encode(frameType, requestID string, payload any) ([]byte, error) {
	f, err := NewFrame(frameType, requestID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// NewAck builds a successful ack carrying data.
func NewAck(data any) (AckPayload, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return AckPayload{}, err
	}
	return AckPayload{Success: true, Data: raw}, nil
}

func NewErrorAck(code, message string, fields map[string]string) AckPayload {
	return AckPayload{Errors: &ErrorPayload{Code: code, Message: message, Fields: fields}}
}
