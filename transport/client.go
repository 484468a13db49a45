// Package transport maintains a persistent websocket connection to the
// sync server and exposes publish/subscribe semantics over named channels.
// Delivery is at-most-once: frames in flight when the connection drops are
// gone. The session layer's acknowledgment protocol provides the actual
// ordering and delivery guarantees on top.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"freelancehub/collab/protocol"
)

var ErrDisconnected = errors.New("transport: not connected")

// Handler receives the payload of one event on one channel.
type Handler func(payload json.RawMessage)

// Credentials carry everything needed to open the socket. Token is an
// opaque bearer token minted by the external auth system.
type Credentials struct {
	URL      string
	Token    string
	ClientID string
}

// Config tunes the client. Zero values get defaults.
type Config struct {
	// WriteTimeout bounds each frame write (default 10s).
	WriteTimeout time.Duration
	// MaxReconnectInterval caps the backoff between redial attempts
	// (default 30s).
	MaxReconnectInterval time.Duration
	Logger               *slog.Logger
}

func (c *Config) defaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a websocket transport client. Methods are safe for concurrent
// use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	creds     Credentials
	send      chan []byte
	joined    map[string]bool
	subs      map[string]map[string][]Handler // channel -> event -> handlers
	reconnect []func()
	dropped   []func()
	closed    bool
	cancel    context.CancelFunc
}

// NewClient returns a disconnected client.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		joined: make(map[string]bool),
		subs:   make(map[string]map[string][]Handler),
	}
}

// Connect dials the server and starts the read/write pumps plus the
// reconnect loop. It returns once the first connection is established.
func (c *Client) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("transport: already connected")
	}
	c.creds = creds
	c.closed = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 256)
	c.cancel = cancel
	c.mu.Unlock()

	go c.writePump(conn, c.send)
	go c.readPump(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.creds.Token != "" {
		header.Set("Authorization", "Bearer "+c.creds.Token)
	}
	if c.creds.ClientID != "" {
		header.Set("X-Client-ID", c.creds.ClientID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.creds.URL, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", c.creds.URL, err)
	}
	return conn, nil
}

// OnReconnect registers a hook invoked after the connection is
// re-established and channels rejoined. Sessions use it to resync.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, fn)
}

// OnDisconnect registers a hook invoked when the connection drops.
func (c *Client) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = append(c.dropped, fn)
}

// JoinChannel subscribes this connection to a named channel on the server.
// Joins are replayed automatically after a reconnect.
func (c *Client) JoinChannel(channelID string) error {
	c.mu.Lock()
	c.joined[channelID] = true
	c.mu.Unlock()
	return c.publishEnvelope(channelID, protocol.EventChannelJoin, nil)
}

// LeaveChannel unsubscribes the connection from a channel.
func (c *Client) LeaveChannel(channelID string) error {
	c.mu.Lock()
	delete(c.joined, channelID)
	c.mu.Unlock()
	return c.publishEnvelope(channelID, protocol.EventChannelLeave, nil)
}

// Publish sends one event on a channel, best effort.
func (c *Client) Publish(channelID, event string, payload any) error {
	return c.publishEnvelope(channelID, event, payload)
}

func (c *Client) publishEnvelope(channelID, event string, payload any) error {
	frame, err := protocol.Encode(channelID, event, payload)
	if err != nil {
		return err
	}
	// The send channel is only closed under this mutex, so enqueueing under
	// it cannot race with a close.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrDisconnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		// Slow or wedged socket; drop rather than block the editor. The
		// session's ack protocol recovers anything that mattered.
		c.logger.Warn("transport: send buffer full, dropping frame", "event", event)
		return ErrDisconnected
	}
}

// Subscribe registers a handler for an event on a channel and returns a
// cancel func. Handlers run on the read pump goroutine; they must not block.
func (c *Client) Subscribe(channelID, event string, h Handler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[channelID] == nil {
		c.subs[channelID] = make(map[string][]Handler)
	}
	c.subs[channelID][event] = append(c.subs[channelID][event], h)
	idx := len(c.subs[channelID][event]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		hs := c.subs[channelID][event]
		if idx < len(hs) && hs[idx] != nil {
			hs[idx] = nil
		}
	}
}

// Disconnect closes the connection and stops the reconnect loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	// The read pump only closes the send channel while it still owns the
	// connection; once conn is nilled here that branch is skipped, so the
	// write pump must be released on this path instead.
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (c *Client) writePump(conn *websocket.Conn, send chan []byte) {
	for frame := range send {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Warn("transport: write failed", "err", err)
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
				close(c.send)
				c.send = nil
			}
			hooks := append([]func(){}, c.dropped...)
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Warn("transport: connection lost", "err", err)
			for _, fn := range hooks {
				fn()
			}
			c.redial(ctx)
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		c.logger.Warn("transport: bad frame", "err", err)
		return
	}
	c.mu.Lock()
	var handlers []Handler
	if byEvent, ok := c.subs[env.Channel]; ok {
		handlers = append(handlers, byEvent[env.Event]...)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(env.Payload)
		}
	}
}

// redial reconnects with exponential backoff, rejoins channels, and fires
// the reconnect hooks.
func (c *Client) redial(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxReconnectInterval
	policy.MaxElapsedTime = 0 // keep trying until Disconnect

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return backoff.Permanent(errors.New("transport: closed"))
		}
		var derr error
		conn, derr = c.dial(ctx)
		return derr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, 256)
	joined := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		joined = append(joined, ch)
	}
	hooks := append([]func(){}, c.reconnect...)
	c.mu.Unlock()

	go c.writePump(conn, c.send)
	go c.readPump(ctx, conn)

	for _, ch := range joined {
		if err := c.publishEnvelope(ch, protocol.EventChannelJoin, nil); err != nil {
			c.logger.Warn("transport: rejoin failed", "channel", ch, "err", err)
		}
	}
	c.logger.Info("transport: reconnected", "channels", len(joined))
	for _, fn := range hooks {
		fn()
	}
}
