package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventNewMessage EventKind = "NewMessage"
	EventNewGroup   EventKind = "NewGroup"
	EventNewChat    EventKind = "NewChat"
)

var ErrUnknownEvent = errors.New("unknown event kind")

// OutboundEvent is a fanout notification. Exactly one of Message or Channel is
// set, depending on Kind. Recipients is never encoded on the wire; the broker
// routing key carries the recipient instead.
type OutboundEvent struct {
	Kind       EventKind
	Message    *Message
	Channel    *Channel
	Recipients []uuid.UUID
}

type eventWire struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func NewMessageEvent(msg *Message, recipients []uuid.UUID) *OutboundEvent {
	return &OutboundEvent{Kind: EventNewMessage, Message: msg, Recipients: recipients}
}

func NewGroupEvent(ch *Channel) *OutboundEvent {
	return &OutboundEvent{Kind: EventNewGroup, Channel: ch, Recipients: ch.MemberIDs()}
}

func NewChatEvent(ch *Channel) *OutboundEvent {
	return &OutboundEvent{Kind: EventNewChat, Channel: ch, Recipients: ch.MemberIDs()}
}

// EntityID is the id of the message or channel the event announces.
func (e *OutboundEvent) EntityID() uuid.UUID {
	switch e.Kind {
	case EventNewMessage:
		if e.Message != nil {
			return e.Message.ID
		}
	case EventNewGroup, EventNewChat:
		if e.Channel != nil {
			return e.Channel.ID
		}
	}
	return uuid.Nil
}

// MarshalEvent encodes the broker body {"event": kind, "data": entity}.
func MarshalEvent(e *OutboundEvent) ([]byte, error) {
	var entity any
	switch e.Kind {
	case EventNewMessage:
		if e.Message == nil {
			return nil, fmt.Errorf("encoding %s: missing message", e.Kind)
		}
		entity = e.Message
	case EventNewGroup, EventNewChat:
		if e.Channel == nil {
			return nil, fmt.Errorf("encoding %s: missing channel", e.Kind)
		}
		entity = e.Channel
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", e.Kind, err)
	}
	return json.Marshal(eventWire{Event: e.Kind, Data: data})
}

// UnmarshalEvent decodes a broker body. Recipients is left empty.
func UnmarshalEvent(body []byte) (*OutboundEvent, error) {
	var w eventWire
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	e := &OutboundEvent{Kind: w.Event}
	switch w.Event {
	case EventNewMessage:
		var msg Message
		if err := json.Unmarshal(w.Data, &msg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", w.Event, err)
		}
		e.Message = &msg
	case EventNewGroup, EventNewChat:
		var ch Channel
		if err := json.Unmarshal(w.Data, &ch); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", w.Event, err)
		}
		e.Channel = &ch
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Event)
	}
	return e, nil
}
