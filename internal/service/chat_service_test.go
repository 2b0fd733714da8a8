package service

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/chatrelay/internal/database"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/mocks"
	sqliterepo "github.com/vedran77/chatrelay/internal/repository/sqlite"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	svc      *ChatService
	notifier *mocks.MockNotifier
	users    *sqliterepo.UserRepo
	messages *sqliterepo.MessageRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)

	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		notifier: mocks.NewMockNotifier(ctrl),
		users:    sqliterepo.NewUserRepo(db),
		messages: sqliterepo.NewMessageRepo(db),
	}
	f.svc = NewChatService(sqliterepo.NewChannelRepo(db), f.messages, f.users, "node-a", log)
	f.svc.SetNotifier(f.notifier)
	// Runs before the controller checks its expectations.
	t.Cleanup(func() { require.NoError(t, f.svc.Close(context.Background())) })
	return f
}

// captured records the next event handed to the notifier.
func (f *fixture) captured() <-chan *domain.OutboundEvent {
	got := make(chan *domain.OutboundEvent, 1)
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, evt *domain.OutboundEvent) error {
			got <- evt
			return nil
		})
	return got
}

func receive(t *testing.T, events <-chan *domain.OutboundEvent) *domain.OutboundEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func (f *fixture) user(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.users.Upsert(context.Background(), &domain.User{ID: id, Name: name, CreatedAt: time.Now()}))
	return id
}

func (f *fixture) chat(t *testing.T, a, b uuid.UUID) *domain.Channel {
	t.Helper()
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil)
	ch, err := f.svc.CreateChat(context.Background(), a, CreateChatInput{Member: b.String()})
	require.NoError(t, err)
	return ch
}

func TestSendMessage_FansOutToEveryMember(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ch := f.chat(t, alice, bob)

	// Given the notifier expects one NewMessage event for both members
	events := f.captured()

	// When alice sends a message
	msg, err := f.svc.SendMessage(ctx, alice, SendMessageInput{ChannelID: ch.ID.String(), Message: "hi"})

	// Then it is persisted and announced to both
	req.NoError(err)
	got := receive(t, events)
	req.Equal(domain.EventNewMessage, got.Kind)
	req.Equal(msg.ID, got.Message.ID)
	req.ElementsMatch([]uuid.UUID{alice, bob}, got.Recipients)
	req.Equal(domain.Bucket(msg.ID), msg.Bucket)

	stored, err := f.messages.ListByChannels(ctx, []uuid.UUID{ch.ID})
	req.NoError(err)
	req.Len(stored[ch.ID], 1)
}

func TestSendMessage_NonMemberIsForbidden(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, mallory := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "mallory")
	ch := f.chat(t, alice, bob)

	// Given no event may be published
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Times(0)

	// When a non-member sends into the channel
	_, err := f.svc.SendMessage(ctx, mallory, SendMessageInput{ChannelID: ch.ID.String(), Message: "hi"})

	// Then the request is refused and nothing was persisted
	req.ErrorIs(err, ErrNotChannelMember)
	code, _, _ := Describe(err)
	req.Equal(CodeForbidden, code)

	stored, err := f.messages.ListByChannels(ctx, []uuid.UUID{ch.ID})
	req.NoError(err)
	req.Empty(stored[ch.ID])
}

func TestSendMessage_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")

	_, err := f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: uuid.NewString(), Message: "hi"})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestSendMessage_Validation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.user(t, "alice")

	_, err := f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: "nope", Message: "   "})

	var verr *ValidationError
	req.ErrorAs(err, &verr)
	req.Contains(verr.Fields, "channelId")

	_, err = f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: uuid.NewString(), Message: "   "})
	req.ErrorAs(err, &verr)
	req.Contains(verr.Fields, "message")
}

func TestHandlers_RequireAuthenticatedCaller(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.SendMessage(ctx, uuid.Nil, SendMessageInput{})
	req.ErrorIs(err, ErrUnauthenticated)
	_, err = f.svc.CreateGroup(ctx, uuid.Nil, CreateGroupInput{})
	req.ErrorIs(err, ErrUnauthenticated)
	_, err = f.svc.CreateChat(ctx, uuid.Nil, CreateChatInput{})
	req.ErrorIs(err, ErrUnauthenticated)
	_, err = f.svc.ListChannels(ctx, uuid.Nil)
	req.ErrorIs(err, ErrUnauthenticated)
}

func TestCreateGroup_DedupesMembersAndMakesCreatorAdmin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	u1, u2, u3 := f.user(t, "u1"), f.user(t, "u2"), f.user(t, "u3")

	events := f.captured()

	// When u1 creates a group listing u2 twice and itself
	group, err := f.svc.CreateGroup(ctx, u1, CreateGroupInput{
		Name:    "team",
		Members: []string{u2.String(), u2.String(), u1.String(), u3.String()},
	})

	// Then members are [u2, u3, u1] with u1 the only admin
	req.NoError(err)
	req.True(group.IsGroup)
	req.Equal([]uuid.UUID{u2, u3, u1}, group.MemberIDs())
	req.Equal(domain.RoleMember, group.Members[0].Role)
	req.Equal(domain.RoleMember, group.Members[1].Role)
	req.Equal(domain.RoleAdmin, group.Members[2].Role)
	req.Equal("u2", group.Members[0].User.Name)

	got := receive(t, events)
	req.Equal(domain.EventNewGroup, got.Kind)
	req.ElementsMatch([]uuid.UUID{u1, u2, u3}, got.Recipients)
}

func TestCreateGroup_UnknownMember(t *testing.T) {
	f := newFixture(t)
	owner := f.user(t, "owner")
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.svc.CreateGroup(context.Background(), owner, CreateGroupInput{
		Name: "team", Members: []string{uuid.NewString()},
	})
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateChat_ExistingPairIsReturnedWithoutEvent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	first := f.chat(t, alice, bob)

	// Given no second NewChat may be published
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Times(0)

	// When bob asks for the same pair
	second, err := f.svc.CreateChat(ctx, bob, CreateChatInput{Member: alice.String()})

	// Then the existing channel comes back
	req.NoError(err)
	req.Equal(first.ID, second.ID)
}

func TestCreateChat_Self(t *testing.T) {
	f := newFixture(t)
	alice := f.user(t, "alice")

	_, err := f.svc.CreateChat(context.Background(), alice, CreateChatInput{Member: alice.String()})
	require.ErrorIs(t, err, ErrCannotChatSelf)
	code, _, _ := Describe(err)
	require.Equal(t, CodeBadRequest, code)
}

func TestSendMessage_FanoutFailureStillSucceeds(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ch := f.chat(t, alice, bob)

	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	msg, err := f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: ch.ID.String(), Message: "hi"})
	req.NoError(err)
	req.NotNil(msg)
}

func TestSendMessage_FanoutOutlivesCallerContext(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ch := f.chat(t, alice, bob)

	ctx, cancel := context.WithCancel(context.Background())
	gone := make(chan struct{})
	fanoutErr := make(chan error, 1)
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(nctx context.Context, _ *domain.OutboundEvent) error {
			<-gone
			fanoutErr <- nctx.Err()
			return nil
		})

	_, err := f.svc.SendMessage(ctx, alice, SendMessageInput{ChannelID: ch.ID.String(), Message: "hi"})
	req.NoError(err)

	// Given the caller goes away before the fanout runs
	cancel()
	close(gone)

	// Then the fanout context is still live
	select {
	case err := <-fanoutErr:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("fanout never ran")
	}
}

func TestSendMessage_StalledBrokerDoesNotDelayCaller(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.svc.SetFanoutTimeout(time.Second)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ch := f.chat(t, alice, bob)

	// Given a notifier that hangs until its deadline
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(nctx context.Context, _ *domain.OutboundEvent) error {
			<-nctx.Done()
			return nctx.Err()
		}).Times(2)

	// When alice sends twice in a row
	start := time.Now()
	for _, body := range []string{"one", "two"} {
		_, err := f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: ch.ID.String(), Message: body})
		req.NoError(err)
	}

	// Then both calls return well before the fanout gives up
	req.Less(time.Since(start), 500*time.Millisecond)
}

func TestSendMessage_EventsPublishedInOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ch := f.chat(t, alice, bob)

	published := make(chan uuid.UUID, 10)
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, evt *domain.OutboundEvent) error {
			published <- evt.Message.ID
			return nil
		}).Times(10)

	var sent []uuid.UUID
	for i := 0; i < 10; i++ {
		msg, err := f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: ch.ID.String(), Message: "m"})
		req.NoError(err)
		sent = append(sent, msg.ID)
	}

	req.NoError(f.svc.Close(context.Background()))
	close(published)
	var got []uuid.UUID
	for id := range published {
		got = append(got, id)
	}
	req.Equal(sent, got)
}

func TestClose_DropsLateEvents(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ch := f.chat(t, alice, bob)
	req.NoError(f.svc.Close(context.Background()))

	// Given the service is closed, nothing more reaches the notifier
	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.svc.SendMessage(context.Background(), alice, SendMessageInput{ChannelID: ch.ID.String(), Message: "late"})
	req.NoError(err)
	req.NoError(f.svc.Close(context.Background()))
}

func TestListChannels_IncludesOrderedMessages(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	ab := f.chat(t, alice, bob)
	f.chat(t, bob, carol)

	f.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	first, err := f.svc.SendMessage(ctx, alice, SendMessageInput{ChannelID: ab.ID.String(), Message: "one"})
	req.NoError(err)
	second, err := f.svc.SendMessage(ctx, bob, SendMessageInput{ChannelID: ab.ID.String(), Message: "two"})
	req.NoError(err)

	list, err := f.svc.ListChannels(ctx, alice)
	req.NoError(err)
	req.Len(list, 1)
	req.Equal(ab.ID, list[0].ID)
	req.Equal([]uuid.UUID{first.ID, second.ID}, []uuid.UUID{list[0].Messages[0].ID, list[0].Messages[1].ID})

	list, err = f.svc.ListChannels(ctx, carol)
	req.NoError(err)
	req.Len(list, 1)
	req.NotNil(list[0].Messages)
	req.Empty(list[0].Messages)
}

func TestDescribe_InternalHidesDetail(t *testing.T) {
	code, message, fields := Describe(errors.New("pq: connection refused"))
	require.Equal(t, CodeInternal, code)
	require.Equal(t, "Something went wrong", message)
	require.Nil(t, fields)
	require.True(t, IsInternal(errors.New("x")))
}
