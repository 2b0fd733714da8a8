package client

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vedran77/chatrelay/internal/domain"
)

// Notification is raised for activity outside the open view.
type Notification struct {
	Kind domain.EventKind
	// Key is the conversation the activity belongs to.
	Key       uuid.UUID
	ChannelID uuid.UUID
	MessageID uuid.UUID
}

// Summary describes one conversation for a contact list.
type Summary struct {
	Key         uuid.UUID
	ChannelID   uuid.UUID
	Name        string
	Image       string
	IsGroup     bool
	LastMessage *domain.Message
	CreatedAt   time.Time
}

// State is the reconciled view of one user's conversations. Messages are kept
// in an append-only log per conversation key: the other party's id for a
// two-party channel, the channel id for a group.
type State struct {
	mu   sync.Mutex
	self uuid.UUID

	channels map[uuid.UUID]domain.Channel
	order    []uuid.UUID
	logs     map[uuid.UUID][]domain.Message
	seen     map[uuid.UUID]struct{}
	// parked holds messages whose channel has not arrived yet.
	parked map[uuid.UUID][]domain.Message

	openView      uuid.UUID
	notifications []Notification
}

func NewState(self uuid.UUID) *State {
	s := &State{self: self}
	s.reset()
	return s
}

func (s *State) reset() {
	s.channels = make(map[uuid.UUID]domain.Channel)
	s.order = nil
	s.logs = make(map[uuid.UUID][]domain.Message)
	s.seen = make(map[uuid.UUID]struct{})
	s.parked = make(map[uuid.UUID][]domain.Message)
}

// Seed replaces everything but pending notifications with a snapshot.
func (s *State) Seed(channels []domain.ChannelWithMessages) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	for _, ch := range channels {
		s.addChannel(ch.Channel)
		for _, msg := range ch.Messages {
			s.record(msg)
		}
	}
}

// Apply merges one incoming event.
func (s *State) Apply(evt *domain.OutboundEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch evt.Kind {
	case domain.EventNewMessage:
		msg := *evt.Message
		if !s.record(msg) {
			return
		}
		if msg.SenderID != s.self && s.openView != msg.SenderID && s.openView != msg.ChannelID {
			s.notify(domain.EventNewMessage, msg.ChannelID, msg.ID)
		}

	case domain.EventNewGroup, domain.EventNewChat:
		ch := *evt.Channel
		if !s.addChannel(ch) {
			return
		}
		if ch.CreatedBy != s.self && s.openView != s.keyOf(ch) {
			s.notify(evt.Kind, ch.ID, uuid.Nil)
		}
	}
}

// RecordSent files a message acknowledged by the server. An echo of it
// arriving later is ignored.
func (s *State) RecordSent(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(msg)
}

// AddChannel files a channel known from an ack.
func (s *State) AddChannel(ch domain.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addChannel(ch)
}

// SetOpenView marks the conversation currently shown; uuid.Nil clears it.
func (s *State) SetOpenView(key uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openView = key
}

// Messages returns a copy of the log for key.
func (s *State) Messages(key uuid.UUID) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.logs[key])
}

func (s *State) Channels() []domain.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Map(s.order, func(id uuid.UUID, _ int) domain.Channel { return s.channels[id] })
}

// KeyOf returns the conversation key of a known channel.
func (s *State) KeyOf(channelID uuid.UUID) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return uuid.Nil, false
	}
	return s.keyOf(ch), true
}

// Notifications returns and clears pending notifications.
func (s *State) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.notifications
	s.notifications = nil
	return out
}

// Summaries lists conversations, most recent activity first.
func (s *State) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		ch := s.channels[id]
		key := s.keyOf(ch)
		sum := Summary{
			Key:       key,
			ChannelID: ch.ID,
			Name:      ch.Name,
			Image:     ch.Image,
			IsGroup:   ch.IsGroup,
			CreatedAt: ch.CreatedAt,
		}
		if !ch.IsGroup {
			if m, ok := lo.Find(ch.Members, func(m domain.Member) bool { return m.UserID == key }); ok && m.User != nil {
				sum.Name, sum.Image = m.User.Name, m.User.Image
			}
		}
		if log := s.logs[key]; len(log) > 0 {
			last := lo.MaxBy(log, func(a, b domain.Message) bool { return a.CreatedAt.After(b.CreatedAt) })
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}

	slices.SortStableFunc(out, func(a, b Summary) int {
		return activity(b).Compare(activity(a))
	})
	return out
}

func activity(s Summary) time.Time {
	if s.LastMessage != nil {
		return s.LastMessage.CreatedAt
	}
	return s.CreatedAt
}

func (s *State) keyOf(ch domain.Channel) uuid.UUID {
	if peer, ok := ch.Peer(s.self); ok {
		return peer
	}
	return ch.ID
}

// addChannel reports whether ch was new. Parked messages for it are filed.
func (s *State) addChannel(ch domain.Channel) bool {
	if _, ok := s.channels[ch.ID]; ok {
		return false
	}
	s.channels[ch.ID] = ch
	s.order = append(s.order, ch.ID)

	key := s.keyOf(ch)
	s.logs[key] = append(s.logs[key], s.parked[ch.ID]...)
	delete(s.parked, ch.ID)
	return true
}

// record reports whether msg was new.
func (s *State) record(msg domain.Message) bool {
	if _, ok := s.seen[msg.ID]; ok {
		return false
	}
	s.seen[msg.ID] = struct{}{}

	ch, ok := s.channels[msg.ChannelID]
	if !ok {
		s.parked[msg.ChannelID] = append(s.parked[msg.ChannelID], msg)
		return true
	}
	key := s.keyOf(ch)
	s.logs[key] = append(s.logs[key], msg)
	return true
}

func (s *State) notify(kind domain.EventKind, channelID, messageID uuid.UUID) {
	key := channelID
	if ch, ok := s.channels[channelID]; ok {
		key = s.keyOf(ch)
	}
	s.notifications = append(s.notifications, Notification{
		Kind:      kind,
		Key:       key,
		ChannelID: channelID,
		MessageID: messageID,
	})
}
