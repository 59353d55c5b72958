package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/kalamchat/kalam/internal/identity"
	"github.com/kalamchat/kalam/internal/presence"
	"github.com/kalamchat/kalam/internal/session"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Directory is the slice of the identity directory the hub drives. Every
// call crosses a process boundary and may fail; the hub treats failures as
// DirectoryUnavailable and leaves connection state untouched.
type Directory interface {
	GetByUsername(ctx context.Context, username string) (identity.Record, error)
	SetOnline(ctx context.Context, username string, online bool) error
	SetPublicKey(ctx context.Context, username, publicKey string) error
	TouchLastSeen(ctx context.Context, username string) error
}

// Hub owns every live connection. All lifecycle transitions and envelope
// routing run on the single Run goroutine, so registry mutations and the
// presence pushes they trigger are applied and emitted in event order.
type Hub struct {
	register    chan *Client
	unregister  chan *Client
	incoming    chan incomingEvent
	clients     map[session.ConnID]*Client
	registry    *session.Registry
	directory   Directory
	broadcaster *presence.Broadcaster
	count       atomic.Int64
}

func NewHub(registry *session.Registry, directory Directory) *Hub {
	h := &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingEvent, 256),
		clients:    make(map[session.ConnID]*Client),
		registry:   registry,
		directory:  directory,
	}
	h.broadcaster = presence.NewBroadcaster(registry, directory, h)
	return h
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c.id] = c
			h.count.Add(1)
		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; !ok {
				continue
			}
			delete(h.clients, c.id)
			h.count.Add(-1)
			h.handleDisconnect(ctx, c)
			c.close(websocket.StatusNormalClosure, "bye")
		case ev := <-h.incoming:
			h.handleIncoming(ctx, ev)
		}
	}
}

func (h *Hub) ClientCount() int64 {
	return h.count.Load()
}

// IsOnline reports whether the identity has a live session. Safe to call
// from outside the hub goroutine; the registry carries its own lock.
func (h *Hub) IsOnline(username string) bool {
	return h.registry.IsOnline(identity.NormalizeUsername(username))
}

// Snapshot builds the current roster. Read-only, callable from any
// goroutine.
func (h *Hub) Snapshot(ctx context.Context) ([]presence.Entry, error) {
	return h.broadcaster.BuildSnapshot(ctx)
}

// PushAll fans an encoded event out to every connected session. Only called
// from the hub goroutine, which is the sole mutator of h.clients.
func (h *Hub) PushAll(data []byte) {
	for _, c := range h.clients {
		c.Send(data)
	}
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	// The request context dies when this handler returns, but the hijacked
	// socket lives on; the client gets its own context instead.
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:     session.ConnID(uuid.NewString()),
		conn:   conn,
		hub:    h,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, sendBuffer),
		state:  stateAnonymous,
	}

	h.register <- client

	go client.writeLoop()
	go client.readLoop()
}

// Client is one live transport connection. state and username belong to the
// hub goroutine; the read and write loops never touch them.
type Client struct {
	id        session.ConnID
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	state     connState
	username  string
}

// Send queues an event for delivery. A full buffer drops the event rather
// than block the hub on a slow client.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		ev, err := decodeEvent(data)
		if err != nil {
			c.sendError("invalid_event", err.Error())
			continue
		}
		c.hub.incoming <- incomingEvent{client: c, event: ev}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.unregister <- c
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(code, message string) {
	c.sendEvent(errorEvent{Type: "error", Code: code, Message: message})
}
