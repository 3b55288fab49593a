// Package gateway implements the WebSocket client for the remote agent
// runtime. One Client owns one connection; callers hold the Client, never
// the socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/protocol"
)

// ErrClosed is returned for any call made on, or interrupted by, a dead
// connection.
var ErrClosed = errors.New("gateway: connection closed")

// ProtocolError is a typed failure from the gateway: an error response, an
// auth rejection, or a request timeout.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// Error codes for ProtocolError.
const (
	CodeAuthFailed     = "auth_failed"
	CodeRequestTimeout = "request_timeout"
)

// EventHandler receives server-push events after the handshake completed.
type EventHandler func(event string, payload json.RawMessage)

// Config configures one gateway connection.
type Config struct {
	URL   string
	Token string

	// Supported protocol version range sent during the handshake.
	MinProtocol int
	MaxProtocol int

	// HandshakeTimeout bounds the challenge wait plus the connect
	// round-trip. Default 10s.
	HandshakeTimeout time.Duration
}

// Client is a connected gateway protocol client. It is ready for use when
// Dial returns; after the connection dies every pending and future call
// fails with ErrClosed and Closed reports true.
type Client struct {
	conn   *websocket.Conn
	config Config
	logger *slog.Logger

	nextID atomic.Uint64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	// ready flips once the connect handshake succeeded. Before that, the
	// only frames the read loop acts on are the challenge event and
	// response frames; benign server heartbeats are ignored.
	ready atomic.Bool

	challengeOnce sync.Once
	challenge     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	handlerMu sync.RWMutex
	handlers  map[int]EventHandler
	handlerID int
}

// Dial connects, performs the challenge/connect handshake, and returns a
// ready client. An auth rejection fails here: no Agent call can ever be
// attempted on a connection that did not authenticate.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	conn, _, err := websocket.Dial(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	c := &Client{
		conn:      conn,
		config:    cfg,
		logger:    logger,
		pending:   make(map[string]chan *protocol.Frame),
		challenge: make(chan struct{}),
		closed:    make(chan struct{}),
		handlers:  make(map[int]EventHandler),
	}
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.fail(err)
		return nil, err
	}
	c.ready.Store(true)
	logger.Info("gateway connected", slog.String("url", cfg.URL))
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	select {
	case <-c.challenge:
	case <-c.closed:
		return fmt.Errorf("gateway closed during handshake: %w", ErrClosed)
	case <-hsCtx.Done():
		return fmt.Errorf("waiting for connect.challenge: %w", hsCtx.Err())
	}

	params := protocol.ConnectParams{
		MinProtocolVersion: c.config.MinProtocol,
		MaxProtocolVersion: c.config.MaxProtocol,
		Auth:               protocol.ConnectAuth{Token: c.config.Token},
	}
	_, err := c.Request(hsCtx, protocol.MethodConnect, params, c.config.HandshakeTimeout)
	if err != nil {
		// The server's rejection code passes through untouched, so a
		// protocol-version mismatch stays distinguishable from bad
		// credentials. Only a codeless rejection is treated as auth.
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Code == "" {
			return &ProtocolError{Code: CodeAuthFailed, Message: perr.Message}
		}
		return err
	}
	return nil
}

// Closed reports whether the connection is dead. Callers must never
// operate on a closed client expecting silence: every call fails loudly.
func (c *Client) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed when the connection dies, for consumers bridging the
// event stream.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the close cause once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

// Close shuts the connection down cleanly.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// OnEvent registers a handler for server-push events. The returned
// function unregisters it. Handlers run on the read loop; they must hand
// off work quickly.
func (c *Client) OnEvent(h EventHandler) func() {
	c.handlerMu.Lock()
	c.handlerID++
	id := c.handlerID
	c.handlers[id] = h
	c.handlerMu.Unlock()
	return func() {
		c.handlerMu.Lock()
		delete(c.handlers, id)
		c.handlerMu.Unlock()
	}
}

// Request sends one req frame and waits for the matching res. Concurrent
// outstanding requests are fine: correlation is per-id, there is no global
// lock around the round-trip. On timeout the pending entry is dropped and a
// late response for that id is ignored.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.Closed() {
		return nil, ErrClosed
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	ch := make(chan *protocol.Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	discard := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.writeFrame(ctx, frame); err != nil {
		discard()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.Succeeded() {
			if res.Error != nil {
				return nil, &ProtocolError{Code: res.Error.Code, Message: res.Error.Message}
			}
			return nil, &ProtocolError{Code: "error", Message: method + " failed"}
		}
		return res.Payload, nil
	case <-timer.C:
		discard()
		return nil, &ProtocolError{Code: CodeRequestTimeout, Message: fmt.Sprintf("%s: no response within %s", method, timeout)}
	case <-c.closed:
		discard()
		return nil, fmt.Errorf("%s: %w", method, ErrClosed)
	case <-ctx.Done():
		discard()
		return nil, ctx.Err()
	}
}

// Agent invokes one agent turn. sessionKey is mandatory: concurrent,
// unrelated conversations share this connection and are told apart only by
// it. Streamed output arrives via OnEvent; the response here is the
// server's acceptance.
func (c *Client) Agent(ctx context.Context, params protocol.AgentParams, timeout time.Duration) (json.RawMessage, error) {
	if params.SessionKey == "" {
		return nil, fmt.Errorf("agent: session key is required")
	}
	return c.Request(ctx, protocol.MethodAgent, params, timeout)
}

// PatchSession mutates session-scoped outbound headers on the server.
// A nil headers map clears them.
func (c *Client) PatchSession(ctx context.Context, sessionKey string, headers map[string]string, timeout time.Duration) error {
	if sessionKey == "" {
		return fmt.Errorf("sessions.patch: session key is required")
	}
	params := protocol.SessionsPatchParams{SessionKey: sessionKey, Headers: headers}
	_, err := c.Request(ctx, protocol.MethodSessionsPatch, params, timeout)
	return err
}

func (c *Client) writeFrame(ctx context.Context, frame *protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.fail(fmt.Errorf("gateway read: %w", err))
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("invalid frame from gateway", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case protocol.FrameResponse:
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.pendingMu.Unlock()
			if !ok {
				// Late response for a timed-out request.
				c.logger.Debug("dropping unmatched response", slog.String("id", frame.ID))
				continue
			}
			ch <- &frame

		case protocol.FrameEvent:
			if !c.ready.Load() {
				// Before ready only the challenge matters; liveness
				// ticks during handshake are benign.
				if frame.Event == protocol.EventChallenge {
					c.challengeOnce.Do(func() { close(c.challenge) })
				}
				continue
			}
			c.dispatchEvent(frame.Event, frame.Payload)

		default:
			c.logger.Debug("ignoring frame", slog.String("type", string(frame.Type)))
		}
	}
}

func (c *Client) dispatchEvent(event string, payload json.RawMessage) {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	for _, h := range c.handlers {
		h(event, payload)
	}
}

// fail marks the connection dead exactly once. Every pending request is
// rejected via the closed channel; none is left hanging.
func (c *Client) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
		c.conn.Close(websocket.StatusNormalClosure, "closing")
		if !errors.Is(err, ErrClosed) {
			c.logger.Warn("gateway connection lost", slog.String("error", err.Error()))
		}
	})
}
