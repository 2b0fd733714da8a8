package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/service"
	"github.com/vedran77/chatrelay/pkg/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBufSize    = 256
)

var (
	errHubStopped   = errors.New("hub stopped")
	errUnknownFrame = errors.New("unknown request type")
)

// ChatService handles the requests a connection may issue.
type ChatService interface {
	SendMessage(ctx context.Context, caller uuid.UUID, input service.SendMessageInput) (*domain.Message, error)
	CreateGroup(ctx context.Context, caller uuid.UUID, input service.CreateGroupInput) (*domain.Channel, error)
	CreateChat(ctx context.Context, caller uuid.UUID, input service.CreateChatInput) (*domain.Channel, error)
	ListChannels(ctx context.Context, caller uuid.UUID) ([]domain.ChannelWithMessages, error)
	ServerName() string
}

// Client represents a single WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID uuid.UUID
	chat   ChatService
	log    *slog.Logger

	// Deliveries that arrive before the snapshot is queued wait in backlog.
	mu      sync.Mutex
	ready   bool
	backlog [][]byte

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, chat ChatService, bufSize int, log *slog.Logger) *Client {
	if bufSize <= 0 {
		bufSize = sendBufSize
	}
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		chat:   chat,
		log:    log,
		send:   make(chan []byte, bufSize),
		done:   make(chan struct{}),
	}
}

// deliver queues a broker event. It reports false when the connection cannot
// keep up.
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready {
		if len(c.backlog) >= cap(c.send) {
			return false
		}
		c.backlog = append(c.backlog, data)
		return true
	}
	return c.enqueue(data)
}

// markReady queues the snapshot followed by anything delivered meanwhile.
func (c *Client) markReady(snapshot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snapshot != nil {
		c.enqueue(snapshot)
	}
	for _, data := range c.backlog {
		if !c.enqueue(data) {
			c.log.Warn("ws: backlog overflow", "user", c.userID)
			c.shutdown()
			break
		}
	}
	c.backlog = nil
	c.ready = true
}

// enqueue never blocks. Data for a closed connection is discarded.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shutdown stops the write pump, which closes the socket.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads request frames and handles them one at a time.
func (c *Client) ReadPump(ctx context.Context) {
	defer c.shutdown()
	c.conn.SetReadLimit(maxMessageSize)

	for {
		var frame protocol.Frame
		err := wsjson.Read(ctx, c.conn, &frame)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("ws: client disconnected", "user", c.userID)
			} else {
				c.log.Debug("ws: read error", "user", c.userID, "error", err)
			}
			return
		}

		c.handleFrame(ctx, &frame)
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				c.log.Debug("ws: write error", "user", c.userID, "error", err)
				c.shutdown()
				c.conn.Close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Debug("ws: ping error", "user", c.userID, "error", err)
				c.shutdown()
				c.conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}

		case <-c.done:
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// replier answers one request at most once.
type replier struct {
	once      sync.Once
	client    *Client
	requestID string
}

func (r *replier) reply(ack protocol.AckPayload) {
	r.once.Do(func() {
		if r.requestID == "" {
			return
		}
		data, err := protocol.Encode(protocol.TypeAck, r.requestID, ack)
		if err != nil {
			r.client.log.Error("ws: encoding ack", "error", err)
			return
		}
		if !r.client.enqueue(data) {
			r.client.log.Warn("ws: ack dropped, send buffer full", "user", r.client.userID)
		}
	})
}

// handleFrame routes an incoming client frame.
func (c *Client) handleFrame(ctx context.Context, frame *protocol.Frame) {
	if frame.Type == protocol.TypePing {
		c.sendPong()
		return
	}

	r := &replier{client: c, requestID: frame.RequestID}
	data, err := c.dispatch(ctx, frame)
	if errors.Is(err, errUnknownFrame) {
		if frame.RequestID == "" {
			c.sendError("UNKNOWN_EVENT", "unknown event type: "+frame.Type)
			return
		}
		r.reply(protocol.NewErrorAck(service.CodeBadRequest, "Unknown request type: "+frame.Type, nil))
		return
	}
	if err != nil {
		code, message, fields := service.Describe(err)
		if service.IsInternal(err) {
			c.log.Error("ws: request failed", "type", frame.Type, "user", c.userID, "error", err)
		}
		r.reply(protocol.NewErrorAck(code, message, fields))
		return
	}

	ack, err := protocol.NewAck(data)
	if err != nil {
		c.log.Error("ws: encoding ack data", "type", frame.Type, "error", err)
		r.reply(protocol.NewErrorAck(service.CodeInternal, "Something went wrong", nil))
		return
	}
	r.reply(ack)
}

func (c *Client) dispatch(ctx context.Context, frame *protocol.Frame) (any, error) {
	switch frame.Type {
	case protocol.TypeMessageSend, protocol.TypeGroupCreate, protocol.TypeChatCreate,
		protocol.TypeChannelsList, protocol.TypeServerName:
	default:
		return nil, errUnknownFrame
	}
	if c.userID == uuid.Nil {
		return nil, service.ErrUnauthenticated
	}

	switch frame.Type {
	case protocol.TypeMessageSend:
		var p protocol.SendMessagePayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		return c.chat.SendMessage(ctx, c.userID, service.SendMessageInput{ChannelID: p.ChannelID, Message: p.Message})

	case protocol.TypeGroupCreate:
		var p protocol.CreateGroupPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		group, err := c.chat.CreateGroup(ctx, c.userID, service.CreateGroupInput{Name: p.Name, Members: p.Members})
		if err != nil {
			return nil, err
		}
		return group.ID, nil

	case protocol.TypeChatCreate:
		var p protocol.CreateChatPayload
		if err := decodePayload(frame.Payload, &p); err != nil {
			return nil, err
		}
		ch, err := c.chat.CreateChat(ctx, c.userID, service.CreateChatInput{Member: p.Member})
		if err != nil {
			return nil, err
		}
		return ch.ID, nil

	case protocol.TypeChannelsList:
		return c.chat.ListChannels(ctx, c.userID)

	default:
		return c.chat.ServerName(), nil
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &service.ValidationError{Fields: map[string]string{"payload": "Invalid payload"}}
	}
	return nil
}

func (c *Client) sendPong() {
	data, err := protocol.Encode(protocol.TypePong, "", nil)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(code, message string) {
	data, err := protocol.Encode(protocol.TypeError, "", protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(data)
}
