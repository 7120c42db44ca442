package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/warpcall/internal/dns"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	outgoingBuffer = 64
	eventBuffer    = 64

	// DefaultReconnectDelay is the fixed pause between connection attempts.
	DefaultReconnectDelay = 3 * time.Second
)

var (
	ErrNotConnected   = errors.New("signaling channel not connected")
	ErrSendBufferFull = errors.New("signaling send buffer full")
	ErrAlreadyStarted = errors.New("signaling client already started")
)

// Client keeps one websocket connection to the relay open for the local user
// and re-dials it whenever it drops. Inbound messages and connection state
// changes are delivered in order on a single event channel.
type Client struct {
	serverURL      string
	userID         string
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger

	events chan Event

	mu       sync.Mutex
	outgoing chan *Message // nil while no connection is open

	connected atomic.Bool
	started   atomic.Bool
	dials     atomic.Int64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Client)

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the default dialer, which resolves hosts through the
// dns package.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewClient creates a client for serverURL that identifies as userID.
func NewClient(serverURL, userID string, opts ...Option) *Client {
	c := &Client{
		serverURL:      serverURL,
		userID:         userID,
		reconnectDelay: DefaultReconnectDelay,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			NetDialContext:   dns.DialContext,
			HandshakeTimeout: writeWait,
		},
		logger: slog.Default(),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "signaling", "user", userID)
	return c
}

// Connect makes the first connection attempt and starts the reconnect
// supervisor. The returned error only describes that first attempt: the
// client keeps re-dialing every reconnect delay until Close is called.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	conn, err := c.dial(ctx, endpoint)
	go c.run(runCtx, endpoint, conn)
	return err
}

// Send queues msg for delivery. While no connection is open the message is
// dropped and ErrNotConnected is returned.
func (c *Client) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outgoing == nil {
		c.logger.Debug("dropping outbound message, not connected", "type", msg.Type)
		return ErrNotConnected
	}

	select {
	case c.outgoing <- msg:
		return nil
	default:
		c.logger.Warn("dropping outbound message, send buffer full", "type", msg.Type)
		return ErrSendBufferFull
	}
}

// IsConnected reports whether a relay connection is currently open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Events returns the ordered stream of inbound messages and connection state
// changes. It is closed after Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Dials returns how many connection attempts have been made.
func (c *Client) Dials() int64 {
	return c.dials.Load()
}

// Close stops reconnecting, closes the open connection and waits for the
// supervisor to exit.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
	})
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("invalid server URL %q: scheme must be ws or wss", c.serverURL)
	}
	if c.userID == "" {
		return "", errors.New("user id is required")
	}

	q := u.Query()
	q.Set("userId", c.userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	c.dials.Add(1)
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return conn, nil
}

// run is the only goroutine that schedules reconnects, so at most one
// reconnect timer exists at any time.
func (c *Client) run(ctx context.Context, endpoint string, conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		if conn != nil {
			c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(c.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		var err error
		conn, err = c.dial(ctx, endpoint)
		if err != nil {
			c.logger.Debug("reconnect failed", "error", err, "retry_in", c.reconnectDelay)
			conn = nil
		}
	}
}

// serve pumps one connection until it closes.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	outgoing := make(chan *Message, outgoingBuffer)
	stop := make(chan struct{})

	c.mu.Lock()
	c.outgoing = outgoing
	c.mu.Unlock()
	c.connected.Store(true)

	c.logger.Info("connected to relay")
	c.emit(ctx, Event{Kind: EventConnected})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(ctx, conn, outgoing, stop)
	}()

	c.readPump(ctx, conn)

	c.mu.Lock()
	c.outgoing = nil
	c.mu.Unlock()
	c.connected.Store(false)

	close(stop)
	<-writerDone
	conn.Close()

	c.logger.Warn("relay connection closed")
	c.emit(ctx, Event{Kind: EventDisconnected})
}

// readPump reads messages until the connection fails.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			c.logger.Warn("dropping invalid message", "error", err)
			continue
		}

		if !c.emit(ctx, Event{Kind: EventMessage, Message: &msg}) {
			return
		}
	}
}

// writePump writes queued messages and keeps the connection alive with pings.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, outgoing <-chan *Message, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Debug("write failed", "type", msg.Type, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-stop:
			return

		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
