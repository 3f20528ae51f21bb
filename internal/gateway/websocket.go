package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Config holds websocket gateway settings.
type Config struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// frame is the gateway wire envelope.
type frame struct {
	Op    string         `json:"op"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

const (
	opIdentify  = "identify"
	opReady     = "ready"
	opResume    = "resumed"
	opReconnect = "reconnect"
	opError     = "error"
)

var errClosed = errors.New("gateway client closed")

// WSClient is the production websocket implementation of Client.
type WSClient struct {
	cfg    Config
	log    *slog.Logger
	events chan Event

	mu     sync.Mutex
	ws     *websocket.Conn
	cancel context.CancelFunc
	closed bool
}

// NewWSClient creates a client for the configured gateway URL.
func NewWSClient(cfg Config) *WSClient {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &WSClient{
		cfg:    cfg,
		log:    slog.Default(),
		events: make(chan Event, 32),
	}
}

// Login dials the gateway, identifies, and starts the read loop.
func (c *WSClient) Login(ctx context.Context, cred Credential) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if c.ws != nil {
		c.mu.Unlock()
		return errors.New("already logged in")
	}
	c.mu.Unlock()

	if c.cfg.URL == "" {
		return errors.New("empty gateway URL")
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid gateway URL: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("gateway dial failed: %w", err)
	}

	identify := frame{
		Op: opIdentify,
		Data: map[string]any{
			"token":      cred.Token,
			"session_id": cred.SessionID,
		},
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	err = wsjson.Write(writeCtx, ws, identify)
	cancelWrite()
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "identify failed")
		return fmt.Errorf("gateway identify failed: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		runCancel()
		_ = ws.Close(websocket.StatusNormalClosure, "client closed")
		return errClosed
	}
	c.ws = ws
	c.cancel = runCancel
	c.mu.Unlock()

	go c.readLoop(runCtx, ws)
	return nil
}

// Disconnect tears down the current session. No-op when not connected.
func (c *WSClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	cancel := c.cancel
	c.ws = nil
	c.cancel = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return ws.Close(websocket.StatusNormalClosure, "disconnect")
}

// Events returns the gateway event stream.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Ping measures gateway round-trip latency over the websocket control channel.
func (c *WSClient) Ping(ctx context.Context) (time.Duration, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return 0, errors.New("not connected")
	}
	start := time.Now()
	if err := ws.Ping(ctx); err != nil {
		return 0, fmt.Errorf("gateway ping failed: %w", err)
	}
	return time.Since(start), nil
}

// Close releases the connection and closes the event stream.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	cancel := c.cancel
	c.ws = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if ws != nil {
		err = ws.Close(websocket.StatusNormalClosure, "client close")
	}
	close(c.events)
	return err
}

func (c *WSClient) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			c.detach(ws)
			if isExpectedClose(ctx, err) {
				return
			}
			c.deliver(Event{Type: EventDisconnect, Err: err})
			return
		}
		c.deliver(mapFrame(f))
	}
}

// detach clears the connection slot if it still holds this socket, so a later
// Login can establish a fresh session.
func (c *WSClient) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.cancel = nil
	}
	c.mu.Unlock()
	_ = ws.Close(websocket.StatusNormalClosure, "read loop ended")
}

func mapFrame(f frame) Event {
	switch f.Op {
	case opReady:
		return Event{Type: EventReady, Data: f.Data}
	case opResume:
		return Event{Type: EventResume, Data: f.Data}
	case opReconnect:
		return Event{Type: EventReconnecting, Data: f.Data}
	case opError:
		return Event{Type: EventError, Err: errors.New(f.Error), Data: f.Data}
	default:
		return Event{Type: EventError, Err: fmt.Errorf("unknown gateway op %q", f.Op), Data: f.Data}
	}
}

// deliver pushes an event without blocking the read loop. A full buffer drops
// the oldest pending event first.
func (c *WSClient) deliver(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.events <- ev:
	default:
		select {
		case dropped := <-c.events:
			c.log.Warn("Gateway event buffer full, dropping oldest", "type", string(dropped.Type))
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

func isExpectedClose(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
