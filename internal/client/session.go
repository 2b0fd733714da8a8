// Package client is a chat client: it keeps one connection to a relay node
// alive and reconciles the events it receives into a local State.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/pkg/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultDialTimeout    = 10 * time.Second
	maxFrameSize          = 32 << 20
)

var (
	ErrUnauthorized = errors.New("credentials rejected")
	ErrNotConnected = errors.New("not connected to the server")
)

type Status int32

const (
	Disconnected Status = iota
	Connecting
	Synced
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Synced:
		return "synced"
	default:
		return "disconnected"
	}
}

// RequestError is a request the server answered with a failure.
type RequestError struct {
	Code    string
	Message string
	Fields  map[string]string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Options struct {
	// URL is the node's WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL            string
	Token          string
	Self           uuid.UUID
	RequestTimeout time.Duration
	DialTimeout    time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	// OnEvent, if set, is called after each event is merged into State.
	OnEvent func(*domain.OutboundEvent)
}

type result struct {
	ack protocol.AckPayload
	err error
}

// Session owns the connection lifecycle of one client.
type Session struct {
	opts  Options
	state *State
	log   *slog.Logger

	mu      sync.Mutex
	status  Status
	conn    *websocket.Conn
	changed chan struct{}
	pending map[string]chan result

	seq atomic.Uint64
}

func NewSession(opts Options, log *slog.Logger) *Session {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Session{
		opts:    opts,
		state:   NewState(opts.Self),
		log:     log,
		changed: make(chan struct{}),
		pending: make(map[string]chan result),
	}
}

func (s *Session) State() *State {
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// WaitFor blocks until the session reaches want or ctx is done.
func (s *Session) WaitFor(ctx context.Context, want Status) error {
	for {
		s.mu.Lock()
		status, changed := s.status, s.changed
		s.mu.Unlock()
		if status == want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run connects and reconnects until ctx is done or the server rejects the
// credentials, in which case ErrUnauthorized is returned.
func (s *Session) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if s.opts.MinBackoff > 0 {
		bo.InitialInterval = s.opts.MinBackoff
	}
	if s.opts.MaxBackoff > 0 {
		bo.MaxInterval = s.opts.MaxBackoff
	}

	for {
		synced, err := s.connect(ctx)
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if synced {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		s.log.Info("client: connection lost, retrying", "in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// connect serves a single connection and reports whether it got as far as
// the snapshot.
func (s *Session) connect(ctx context.Context) (synced bool, err error) {
	s.setStatus(Connecting, nil)
	defer s.setStatus(Disconnected, nil)

	dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	conn, resp, err := websocket.Dial(dctx, s.dialURL(), nil)
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dialing: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == protocol.CloseUnauthorized {
				return synced, ErrUnauthorized
			}
			return synced, fmt.Errorf("reading: %w", err)
		}

		switch f.Type {
		case protocol.TypeConnectionSuccess:
			var snap protocol.SnapshotPayload
			if err := json.Unmarshal(f.Payload, &snap); err != nil {
				return synced, fmt.Errorf("decoding snapshot: %w", err)
			}
			s.state.Seed(snap.Channels)
			synced = true
			s.setStatus(Synced, conn)
			s.log.Info("client: synced", "channels", len(snap.Channels))

		case protocol.TypeEvent:
			evt, err := domain.UnmarshalEvent(f.Payload)
			if err != nil {
				s.log.Warn("client: ignoring event", "error", err)
				continue
			}
			s.state.Apply(evt)
			if s.opts.OnEvent != nil {
				s.opts.OnEvent(evt)
			}

		case protocol.TypeAck:
			var ack protocol.AckPayload
			if err := json.Unmarshal(f.Payload, &ack); err != nil {
				s.log.Warn("client: malformed ack", "request", f.RequestID, "error", err)
				continue
			}
			s.resolve(f.RequestID, result{ack: ack})

		case protocol.TypeError:
			var e protocol.ErrorPayload
			_ = json.Unmarshal(f.Payload, &e)
			if e.Code == "UNAUTHENTICATED" {
				return synced, ErrUnauthorized
			}
			s.log.Warn("client: server error", "code", e.Code, "message", e.Message)
		}
	}
}

func (s *Session) dialURL() string {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return s.opts.URL
	}
	q := u.Query()
	q.Set("token", s.opts.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// setStatus wakes WaitFor callers. Leaving Synced fails every pending request.
func (s *Session) setStatus(status Status, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = status
	s.conn = conn
	close(s.changed)
	s.changed = make(chan struct{})

	if status != Synced {
		for id, ch := range s.pending {
			ch <- result{err: ErrNotConnected}
			delete(s.pending, id)
		}
	}
}

func (s *Session) resolve(requestID string, r result) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.mu.Unlock()

	if ok {
		ch <- r
	}
}

// request sends one frame and waits for its ack. It fails fast with
// ErrNotConnected unless the session is synced.
func (s *Session) request(ctx context.Context, frameType string, payload any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.status != Synced || s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := s.conn
	id := strconv.FormatUint(s.seq.Add(1), 10)
	reply := make(chan result, 1)
	s.pending[id] = reply
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	f, err := protocol.NewFrame(frameType, id, payload)
	if err != nil {
		return nil, err
	}
	if err := wsjson.Write(ctx, conn, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		if !r.ack.Success {
			if r.ack.Errors == nil {
				return nil, &RequestError{Code: "UNKNOWN", Message: "request failed"}
			}
			return nil, &RequestError{Code: r.ack.Errors.Code, Message: r.ack.Errors.Message, Fields: r.ack.Errors.Fields}
		}
		return r.ack.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send posts body to channelID. The acknowledged message is recorded
// locally right away.
func (s *Session) Send(ctx context.Context, channelID uuid.UUID, body string) (*domain.Message, error) {
	data, err := s.request(ctx, protocol.TypeMessageSend, protocol.SendMessagePayload{
		ChannelID: channelID.String(),
		Message:   body,
	})
	if err != nil {
		return nil, err
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	s.state.RecordSent(msg)
	return &msg, nil
}

func (s *Session) CreateChat(ctx context.Context, member uuid.UUID) (uuid.UUID, error) {
	data, err := s.request(ctx, protocol.TypeChatCreate, protocol.CreateChatPayload{Member: member.String()})
	if err != nil {
		return uuid.Nil, err
	}
	return decodeID(data)
}

func (s *Session) CreateGroup(ctx context.Context, name string, members []uuid.UUID) (uuid.UUID, error) {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.String()
	}
	data, err := s.request(ctx, protocol.TypeGroupCreate, protocol.CreateGroupPayload{Name: name, Members: ids})
	if err != nil {
		return uuid.Nil, err
	}
	return decodeID(data)
}

func (s *Session) ListChannels(ctx context.Context) ([]domain.ChannelWithMessages, error) {
	data, err := s.request(ctx, protocol.TypeChannelsList, nil)
	if err != nil {
		return nil, err
	}
	var channels []domain.ChannelWithMessages
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("decoding channels: %w", err)
	}
	return channels, nil
}

func (s *Session) ServerName(ctx context.Context) (string, error) {
	data, err := s.request(ctx, protocol.TypeServerName, nil)
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return "", fmt.Errorf("decoding server name: %w", err)
	}
	return name, nil
}

func decodeID(data json.RawMessage) (uuid.UUID, error) {
	var id uuid.UUID
	if err := json.Unmarshal(data, &id); err != nil {
		return uuid.Nil, fmt.Errorf("decoding id: %w", err)
	}
	return id, nil
}
