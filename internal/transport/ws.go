package transport

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSConfig holds websocket channel configuration.
type WSConfig struct {
	// URL of the peer's websocket endpoint, e.g. ws://peer.local:7070/sync
	URL string

	// ReconnectInterval is how long to wait between dial attempts.
	ReconnectInterval time.Duration

	// WriteTimeout bounds each Send.
	WriteTimeout time.Duration

	// Logger for channel activity
	Logger *log.Logger
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig(url string) *WSConfig {
	return &WSConfig{
		URL:               url,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		Logger:            log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// WSChannel is the live low-latency channel: a dialing websocket client
// that maintains its connection with a reconnect loop. Reachability
// follows connection state.
type WSChannel struct {
	config *WSConfig
	logger *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	reachable bool

	handler      Handler
	reachability func(bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSChannel creates a websocket channel. Call Handle and, optionally,
// OnReachability before Start.
func NewWSChannel(config *WSConfig) *WSChannel {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WSChannel{
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle implements Channel.Handle.
func (c *WSChannel) Handle(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnReachability registers a callback fired whenever the peer becomes
// addressable or stops being addressable.
func (c *WSChannel) OnReachability(fn func(bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachability = fn
}

// Start launches the connect/receive loop. Non-blocking.
func (c *WSChannel) Start() {
	c.wg.Add(1)
	go c.connectLoop()
}

// connectLoop dials the peer, drains inbound messages, and redials on
// failure until the channel is closed.
func (c *WSChannel) connectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.config.URL, nil)
		if err != nil {
			c.setReachable(nil, false)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.config.ReconnectInterval):
			}
			continue
		}

		// Snapshot payloads can be large; lift the default read limit.
		conn.SetReadLimit(32 << 20)

		c.logger.Printf("Connected to peer at %s", c.config.URL)
		c.setReachable(conn, true)

		c.receiveLoop(conn)

		c.setReachable(nil, false)
		c.logger.Printf("Disconnected from peer, retrying in %s", c.config.ReconnectInterval)

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.ReconnectInterval):
		}
	}
}

// receiveLoop reads frames until the connection fails.
func (c *WSChannel) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		msg, err := UnmarshalMessage(data)
		if err != nil {
			c.logger.Printf("Dropping unparseable frame: %v", err)
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// setReachable updates connection state and fires the reachability
// callback on transitions.
func (c *WSChannel) setReachable(conn *websocket.Conn, reachable bool) {
	c.mu.Lock()
	changed := c.reachable != reachable
	c.conn = conn
	c.reachable = reachable
	fn := c.reachability
	c.mu.Unlock()

	if changed && fn != nil {
		fn(reachable)
	}
}

// Send implements Channel.Send. Fails immediately when the peer is not
// connected; the adapter falls back to the spool in that case.
func (c *WSChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("peer not connected")
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.config.WriteTimeout)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Reachable implements Channel.Reachable.
func (c *WSChannel) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

// Close implements Channel.Close.
func (c *WSChannel) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "channel closing")
	}

	c.wg.Wait()
	return nil
}
