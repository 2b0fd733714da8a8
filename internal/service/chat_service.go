package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/repository"
	"github.com/vedran77/chatrelay/pkg/validator"
)

const (
	defaultFanoutTimeout = 5 * time.Second
	defaultFanoutQueue   = 1024
)

type fanoutJob struct {
	ctx context.Context
	evt *domain.OutboundEvent
}

type ChatService struct {
	channelRepo   repository.ChannelRepository
	messageRepo   repository.MessageRepository
	userRepo      repository.UserRepository
	notifier      Notifier
	serverName    string
	fanoutTimeout time.Duration
	log           *slog.Logger
	now           func() time.Time

	// Events are published in order by a single worker, started on the
	// first event and stopped by Close.
	fanoutMu  sync.RWMutex
	closed    bool
	queue     chan fanoutJob
	startOnce sync.Once
	done      chan struct{}
}

func NewChatService(
	channelRepo repository.ChannelRepository,
	messageRepo repository.MessageRepository,
	userRepo repository.UserRepository,
	serverName string,
	log *slog.Logger,
) *ChatService {
	return &ChatService{
		channelRepo:   channelRepo,
		messageRepo:   messageRepo,
		userRepo:      userRepo,
		serverName:    serverName,
		fanoutTimeout: defaultFanoutTimeout,
		log:           log,
		now:           time.Now,
		queue:         make(chan fanoutJob, defaultFanoutQueue),
		done:          make(chan struct{}),
	}
}

// SetNotifier sets the real-time notifier (optional dependency).
func (s *ChatService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetFanoutTimeout bounds each event's fanout.
func (s *ChatService) SetFanoutTimeout(d time.Duration) {
	if d > 0 {
		s.fanoutTimeout = d
	}
}

type SendMessageInput struct {
	ChannelID string `json:"channelId" validate:"required,uuid"`
	Message   string `json:"message" validate:"required,max=4000"`
}

type CreateGroupInput struct {
	Name    string   `json:"name" validate:"required,max=100"`
	Members []string `json:"members" validate:"required,min=1,dive,uuid"`
}

type CreateChatInput struct {
	Member string `json:"member" validate:"required,uuid"`
}

func (s *ChatService) ServerName() string {
	return s.serverName
}

func (s *ChatService) SendMessage(ctx context.Context, caller uuid.UUID, input SendMessageInput) (*domain.Message, error) {
	if caller == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	errs := validator.Struct(input)
	if !errs.HasErrors() && strings.TrimSpace(input.Message) == "" {
		errs.Add("message", "Message is required")
	}
	if errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}
	channelID := uuid.MustParse(input.ChannelID)

	ch, err := s.channelRepo.GetByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("loading channel: %w", err)
	}
	if ch == nil {
		return nil, ErrChannelNotFound
	}
	if !ch.HasMember(caller) {
		return nil, ErrNotChannelMember
	}

	msg, err := domain.NewMessage(ch.ID, caller, input.Message)
	if err != nil {
		return nil, err
	}
	if err := s.messageRepo.Append(ctx, msg); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrChannelNotFound
		case errors.Is(err, repository.ErrNotMember):
			return nil, ErrNotChannelMember
		}
		return nil, fmt.Errorf("appending message: %w", err)
	}

	s.notify(ctx, domain.NewMessageEvent(msg, ch.MemberIDs()))
	return msg, nil
}

func (s *ChatService) CreateGroup(ctx context.Context, caller uuid.UUID, input CreateGroupInput) (*domain.Channel, error) {
	if caller == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	errs := validator.Struct(input)
	if !errs.HasErrors() && strings.TrimSpace(input.Name) == "" {
		errs.Add("name", "Name is required")
	}
	if errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}

	memberIDs := lo.Map(input.Members, func(id string, _ int) uuid.UUID { return uuid.MustParse(id) })
	group, err := domain.NewGroupChannel(caller, input.Name, memberIDs, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.requireUsers(ctx, lo.Without(group.MemberIDs(), caller)); err != nil {
		return nil, err
	}

	created, _, err := s.channelRepo.Create(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("creating group: %w", err)
	}

	s.notify(ctx, domain.NewGroupEvent(created))
	return created, nil
}

// CreateChat opens the two-party channel between caller and the given member.
// When the pair already has one it is returned and nothing is announced.
func (s *ChatService) CreateChat(ctx context.Context, caller uuid.UUID, input CreateChatInput) (*domain.Channel, error) {
	if caller == uuid.Nil {
		return nil, ErrUnauthenticated
	}
	if errs := validator.Struct(input); errs.HasErrors() {
		return nil, &ValidationError{Fields: errs}
	}

	peer := uuid.MustParse(input.Member)
	if peer == caller {
		return nil, ErrCannotChatSelf
	}
	if err := s.requireUsers(ctx, []uuid.UUID{peer}); err != nil {
		return nil, err
	}

	chat, err := domain.NewDirectChannel(caller, peer, s.now())
	if err != nil {
		return nil, err
	}

	ch, created, err := s.channelRepo.Create(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}
	if created {
		s.notify(ctx, domain.NewChatEvent(ch))
	}
	return ch, nil
}

// ListChannels returns every channel caller belongs to with its messages in
// order.
func (s *ChatService) ListChannels(ctx context.Context, caller uuid.UUID) ([]domain.ChannelWithMessages, error) {
	if caller == uuid.Nil {
		return nil, ErrUnauthenticated
	}

	channels, err := s.channelRepo.ListByMember(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}

	ids := lo.Map(channels, func(ch domain.Channel, _ int) uuid.UUID { return ch.ID })
	messages, err := s.messageRepo.ListByChannels(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	out := make([]domain.ChannelWithMessages, len(channels))
	for i, ch := range channels {
		msgs := messages[ch.ID]
		if msgs == nil {
			msgs = []domain.Message{}
		}
		out[i] = domain.ChannelWithMessages{Channel: ch, Messages: msgs}
	}
	return out, nil
}

func (s *ChatService) requireUsers(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := s.userRepo.ListByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	if len(users) != len(lo.Uniq(ids)) {
		return ErrUserNotFound
	}
	return nil
}

// notify queues evt for publication and returns without waiting for the
// broker. The job carries a context detached from the request, so a caller
// that disconnects does not cut the fanout short. Once the queue is full,
// callers wait for room.
func (s *ChatService) notify(ctx context.Context, evt *domain.OutboundEvent) {
	if s.notifier == nil {
		return
	}
	s.startOnce.Do(func() { go s.fanoutLoop() })

	s.fanoutMu.RLock()
	defer s.fanoutMu.RUnlock()
	if s.closed {
		s.log.Warn("fanout after close dropped", "event", evt.Kind, "id", evt.EntityID())
		return
	}
	s.queue <- fanoutJob{ctx: context.WithoutCancel(ctx), evt: evt}
}

func (s *ChatService) fanoutLoop() {
	defer close(s.done)
	for job := range s.queue {
		s.publish(job)
	}
}

// publish failures are logged only: the write has already committed.
func (s *ChatService) publish(job fanoutJob) {
	nctx, cancel := context.WithTimeout(job.ctx, s.fanoutTimeout)
	defer cancel()

	if err := s.notifier.Notify(nctx, job.evt); err != nil {
		s.log.Warn("fanout failed", "event", job.evt.Kind, "id", job.evt.EntityID(), "error", err)
	}
}

// Close stops accepting events and waits until the queued ones are
// published or ctx is done.
func (s *ChatService) Close(ctx context.Context) error {
	s.fanoutMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.fanoutMu.Unlock()

	// A worker that never started has nothing to drain.
	s.startOnce.Do(func() { close(s.done) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining fanout: %w", ctx.Err())
	}
}
