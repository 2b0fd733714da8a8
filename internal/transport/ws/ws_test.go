package ws

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/chatrelay/internal/auth"
	"github.com/vedran77/chatrelay/internal/broker"
	"github.com/vedran77/chatrelay/internal/database"
	"github.com/vedran77/chatrelay/internal/domain"
	sqliterepo "github.com/vedran77/chatrelay/internal/repository/sqlite"
	"github.com/vedran77/chatrelay/internal/service"
	"github.com/vedran77/chatrelay/internal/session"
	"github.com/vedran77/chatrelay/pkg/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "test-secret"

type harness struct {
	exchange *broker.Exchange
	db       *sql.DB
	log      *slog.Logger
}

type node struct {
	srv        *httptest.Server
	hub        *Hub
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	return &harness{
		exchange: broker.NewExchange(log),
		db:       db,
		log:      log,
	}
}

// node starts a relay node sharing the harness store and exchange.
func (h *harness) node(t *testing.T, name string, rejectUnauthenticated bool) *node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	bus := h.exchange.Node(name)
	users := sqliterepo.NewUserRepo(h.db)
	chat := service.NewChatService(sqliterepo.NewChannelRepo(h.db), sqliterepo.NewMessageRepo(h.db), users, name, h.log)
	chat.SetNotifier(broker.NewFanout(bus, h.log))

	hub := NewHub(h.log)
	go hub.Run(ctx)
	dispatcher := NewDispatcher(hub, 16, h.log)
	go func() { _ = dispatcher.Run(ctx, bus) }()

	handler := NewHandler(hub, chat, session.NewRegistry(bus, h.log), users, Options{
		JWTSecret:             testSecret,
		RejectUnauthenticated: rejectUnauthenticated,
	}, h.log)
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = chat.Close(context.Background())
		_ = bus.Close()
	})
	return &node{srv: srv, hub: hub, dispatcher: dispatcher}
}

func token(t *testing.T, userID uuid.UUID, name string) string {
	t.Helper()
	tok, err := auth.IssueToken(auth.Claims{UserID: userID, Name: name}, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func wsURL(n *node, tok string) string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/?token=" + tok
}

func dial(t *testing.T, n *node, tok string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(n, tok), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(frameType, requestID, payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, f))
}

// collect reads frames up to and including the first one match accepts.
func collect(t *testing.T, conn *websocket.Conn, match func(protocol.Frame) bool) []protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames []protocol.Frame
	for {
		var f protocol.Frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		frames = append(frames, f)
		if match(f) {
			return frames
		}
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Frame) bool) protocol.Frame {
	t.Helper()
	frames := collect(t, conn, match)
	return frames[len(frames)-1]
}

func ofType(frameType string) func(protocol.Frame) bool {
	return func(f protocol.Frame) bool { return f.Type == frameType }
}

func readSnapshot(t *testing.T, conn *websocket.Conn) protocol.SnapshotPayload {
	t.Helper()
	f := readUntil(t, conn, ofType(protocol.TypeConnectionSuccess))
	var snap protocol.SnapshotPayload
	require.NoError(t, json.Unmarshal(f.Payload, &snap))
	return snap
}

func readAck(t *testing.T, conn *websocket.Conn, requestID string) protocol.AckPayload {
	t.Helper()
	f := readUntil(t, conn, func(f protocol.Frame) bool {
		return f.Type == protocol.TypeAck && f.RequestID == requestID
	})
	var ack protocol.AckPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ack))
	return ack
}

func readEvent(t *testing.T, conn *websocket.Conn, kind domain.EventKind) *domain.OutboundEvent {
	t.Helper()
	f := readUntil(t, conn, func(f protocol.Frame) bool {
		if f.Type != protocol.TypeEvent {
			return false
		}
		var p protocol.EventPayload
		return json.Unmarshal(f.Payload, &p) == nil && p.Event == kind
	})
	evt, err := domain.UnmarshalEvent(f.Payload)
	require.NoError(t, err)
	return evt
}

// drain reads frames until the connection stays quiet for wait. A read that
// times out closes the connection, so drain is the last read on conn.
func drain(t *testing.T, conn *websocket.Conn, wait time.Duration) []protocol.Frame {
	t.Helper()
	var frames []protocol.Frame
	for {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		var f protocol.Frame
		err := wsjson.Read(ctx, conn, &f)
		cancel()
		if err != nil {
			return frames
		}
		frames = append(frames, f)
	}
}

func eventsOf(t *testing.T, frames []protocol.Frame, kind domain.EventKind) []*domain.OutboundEvent {
	t.Helper()
	var out []*domain.OutboundEvent
	for _, f := range frames {
		if f.Type != protocol.TypeEvent {
			continue
		}
		evt, err := domain.UnmarshalEvent(f.Payload)
		require.NoError(t, err)
		if evt.Kind == kind {
			out = append(out, evt)
		}
	}
	return out
}

func openChat(t *testing.T, conn *websocket.Conn, requestID string, peer uuid.UUID) uuid.UUID {
	t.Helper()
	send(t, conn, protocol.TypeChatCreate, requestID, protocol.CreateChatPayload{Member: peer.String()})
	ack := readAck(t, conn, requestID)
	require.True(t, ack.Success)

	var id uuid.UUID
	require.NoError(t, json.Unmarshal(ack.Data, &id))
	return id
}

func TestTwoNodes_ChatAndMessageCrossNodes(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	b := h.node(t, "node-b", true)
	alice, bob := uuid.New(), uuid.New()

	// Given alice on node-a and bob on node-b, both synced
	aliceConn := dial(t, a, token(t, alice, "alice"))
	bobConn := dial(t, b, token(t, bob, "bob"))
	req.Empty(readSnapshot(t, aliceConn).Channels)
	req.Empty(readSnapshot(t, bobConn).Channels)

	// When alice opens a chat with bob
	chatID := openChat(t, aliceConn, "r1", bob)

	// Then bob hears about it on the other node
	evt := readEvent(t, bobConn, domain.EventNewChat)
	req.Equal(chatID, evt.Channel.ID)
	req.False(evt.Channel.IsGroup)
	req.Equal([]uuid.UUID{bob, alice}, evt.Channel.MemberIDs())

	// When alice sends a message
	send(t, aliceConn, protocol.TypeMessageSend, "r2", protocol.SendMessagePayload{ChannelID: chatID.String(), Message: "hello"})
	ack := readAck(t, aliceConn, "r2")
	req.True(ack.Success)
	var sent domain.Message
	req.NoError(json.Unmarshal(ack.Data, &sent))

	// Then bob receives the persisted message
	got := readEvent(t, bobConn, domain.EventNewMessage)
	req.Equal(sent.ID, got.Message.ID)
	req.Equal("hello", got.Message.Body)
	req.Equal(alice, got.Message.SenderID)

	// And a fresh connection for bob starts from the full history
	again := dial(t, a, token(t, bob, "bob"))
	snap := readSnapshot(t, again)
	req.Len(snap.Channels, 1)
	req.Len(snap.Channels[0].Messages, 1)
	req.Equal(sent.ID, snap.Channels[0].Messages[0].ID)
	req.Equal("alice", snap.Channels[0].Members[1].User.Name)
}

func TestGroupCreate_ReachesEveryMemberExactlyOnce(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	b := h.node(t, "node-b", true)
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	c1 := dial(t, a, token(t, u1, "u1"))
	c2 := dial(t, b, token(t, u2, "u2"))
	c3 := dial(t, b, token(t, u3, "u3"))
	readSnapshot(t, c1)
	readSnapshot(t, c2)
	readSnapshot(t, c3)

	// When u1 creates a group naming u2 twice and itself
	send(t, c1, protocol.TypeGroupCreate, "g1", protocol.CreateGroupPayload{
		Name:    "team",
		Members: []string{u2.String(), u2.String(), u3.String(), u1.String()},
	})
	beforeAck := collect(t, c1, func(f protocol.Frame) bool {
		return f.Type == protocol.TypeAck && f.RequestID == "g1"
	})
	var ack protocol.AckPayload
	req.NoError(json.Unmarshal(beforeAck[len(beforeAck)-1].Payload, &ack))
	req.True(ack.Success)
	var groupID uuid.UUID
	req.NoError(json.Unmarshal(ack.Data, &groupID))

	// Then every member, the creator included, gets exactly one NewGroup event
	received := map[*websocket.Conn][]protocol.Frame{
		c1: append(beforeAck, drain(t, c1, 500*time.Millisecond)...),
		c2: drain(t, c2, 500*time.Millisecond),
		c3: drain(t, c3, 500*time.Millisecond),
	}
	for _, conn := range []*websocket.Conn{c1, c2, c3} {
		groups := eventsOf(t, received[conn], domain.EventNewGroup)
		req.Len(groups, 1)
		req.Equal(groupID, groups[0].Channel.ID)
		req.Equal("team", groups[0].Channel.Name)
		req.Equal([]uuid.UUID{u2, u3, u1}, groups[0].Channel.MemberIDs())
	}
}

func TestConnect_RejectsInvalidToken(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(a, "garbage"), nil)

	req.Error(err)
	req.NotNil(resp)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestConnect_ClosedWhenTokenExpires(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	alice := uuid.New()

	// Given a token that is about to expire
	tok, err := auth.IssueToken(auth.Claims{UserID: alice, Name: "alice"}, testSecret, 2*time.Second)
	req.NoError(err)
	conn := dial(t, a, tok)
	readSnapshot(t, conn)

	// Then the node closes the connection as unauthorized once it does
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		var f protocol.Frame
		if err = wsjson.Read(ctx, conn, &f); err != nil {
			break
		}
	}
	req.Equal(websocket.StatusCode(protocol.CloseUnauthorized), websocket.CloseStatus(err))
	req.Eventually(func() bool { return !h.exchange.Bound("node-a", alice.String()) }, 5*time.Second, 10*time.Millisecond)
}

func TestConnect_UnauthenticatedWhenAllowed(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", false)

	conn := dial(t, a, "")

	// Given the connection is told it is not authenticated
	f := readUntil(t, conn, ofType(protocol.TypeError))
	var e protocol.ErrorPayload
	req.NoError(json.Unmarshal(f.Payload, &e))
	req.Equal(service.CodeUnauthenticated, e.Code)

	// When it asks for its channels
	send(t, conn, protocol.TypeChannelsList, "r1", nil)

	// Then the request is refused
	ack := readAck(t, conn, "r1")
	req.False(ack.Success)
	req.Equal(service.CodeUnauthenticated, ack.Errors.Code)
}

func TestRequests_ErrorAcks(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	alice := uuid.New()
	conn := dial(t, a, token(t, alice, "alice"))
	readSnapshot(t, conn)

	send(t, conn, protocol.TypeMessageSend, "bad", protocol.SendMessagePayload{ChannelID: "nope", Message: ""})
	ack := readAck(t, conn, "bad")
	req.False(ack.Success)
	req.Equal(service.CodeValidation, ack.Errors.Code)
	req.Contains(ack.Errors.Fields, "channelId")

	send(t, conn, protocol.TypeMessageSend, "missing", protocol.SendMessagePayload{ChannelID: uuid.NewString(), Message: "hi"})
	ack = readAck(t, conn, "missing")
	req.Equal(service.CodeNotFound, ack.Errors.Code)

	send(t, conn, "nonsense", "odd", nil)
	ack = readAck(t, conn, "odd")
	req.Equal(service.CodeBadRequest, ack.Errors.Code)

	send(t, conn, protocol.TypeServerName, "name", nil)
	ack = readAck(t, conn, "name")
	req.True(ack.Success)
	req.JSONEq(`"node-a"`, string(ack.Data))
}

func TestRequests_WithoutRequestIDAreExecutedSilently(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	alice, bob := uuid.New(), uuid.New()
	aliceConn := dial(t, a, token(t, alice, "alice"))
	bobConn := dial(t, a, token(t, bob, "bob"))
	readSnapshot(t, aliceConn)
	readSnapshot(t, bobConn)
	chatID := openChat(t, aliceConn, "r1", bob)

	// When alice sends without a request id
	send(t, aliceConn, protocol.TypeMessageSend, "", protocol.SendMessagePayload{ChannelID: chatID.String(), Message: "quiet"})

	// Then bob still gets the message
	evt := readEvent(t, bobConn, domain.EventNewMessage)
	req.Equal("quiet", evt.Message.Body)

	// And alice never sees an ack for it
	readEvent(t, aliceConn, domain.EventNewMessage)
	send(t, aliceConn, protocol.TypePing, "", nil)
	for _, f := range collect(t, aliceConn, ofType(protocol.TypePong)) {
		req.NotEqual(protocol.TypeAck, f.Type)
	}
}

func TestDispatcher_DropsDuplicateDeliveries(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	bob := uuid.New()
	conn := dial(t, a, token(t, bob, "bob"))
	readSnapshot(t, conn)

	msg, err := domain.NewMessage(uuid.New(), uuid.New(), "twice")
	req.NoError(err)
	body, err := domain.MarshalEvent(domain.NewMessageEvent(msg, nil))
	req.NoError(err)

	// When the same event is delivered twice
	ctx := context.Background()
	req.NoError(a.dispatcher.Handle(ctx, bob.String(), body))
	req.NoError(a.dispatcher.Handle(ctx, bob.String(), body))

	// Then the connection sees it once
	send(t, conn, protocol.TypePing, "", nil)
	frames := collect(t, conn, ofType(protocol.TypePong))
	events := 0
	for _, f := range frames {
		if f.Type == protocol.TypeEvent {
			events++
		}
	}
	req.Equal(1, events)
}

func TestDispatcher_RejectsMalformedDeliveries(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)

	req.Error(a.dispatcher.Handle(context.Background(), "not-a-user", []byte(`{}`)))
	req.ErrorIs(a.dispatcher.Handle(context.Background(), uuid.NewString(), []byte(`{"event":"Bogus","data":{}}`)), domain.ErrUnknownEvent)
}

func TestDisconnect_UnbindsLastConnection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	a := h.node(t, "node-a", true)
	bob := uuid.New()
	key := bob.String()

	// Given two connections for bob
	first := dial(t, a, token(t, bob, "bob"))
	second := dial(t, a, token(t, bob, "bob"))
	readSnapshot(t, first)
	readSnapshot(t, second)
	req.True(h.exchange.Bound("node-a", key))

	// When one closes the binding stays
	req.NoError(first.Close(websocket.StatusNormalClosure, ""))
	req.Eventually(func() bool { return a.hub.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	req.True(h.exchange.Bound("node-a", key))

	// When the last closes it goes away
	req.NoError(second.Close(websocket.StatusNormalClosure, ""))
	req.Eventually(func() bool { return !h.exchange.Bound("node-a", key) }, 5*time.Second, 10*time.Millisecond)
}

func TestLedger_EvictsOldest(t *testing.T) {
	req := require.New(t)
	l := newLedger(2)

	req.True(l.add("a"))
	req.True(l.add("b"))
	req.False(l.add("a"))

	req.True(l.add("c"))
	req.True(l.add("a"), "a was evicted by c")
	req.False(l.add("c"))
}
