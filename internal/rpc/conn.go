// Package rpc implements bidirectional JSON-RPC 2.0 over a gorilla WebSocket.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Options tunes a connection. Zero durations disable the matching deadline or heartbeat.
type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	MaxMessageSize int64
	// OnMessage runs for every inbound message before it is dispatched
	OnMessage func()
	Logger    zerolog.Logger
}

// DefaultOptions matches the server's websocket defaults
func DefaultOptions() Options {
	return Options{
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		BufferSize:     100,
		MaxMessageSize: 16 << 20,
		Logger:         zerolog.Nop(),
	}
}

// Conn is one end of a JSON-RPC session. Either side may call the other.
// All writes go through a single writer goroutine.
type Conn struct {
	ws      *websocket.Conn
	opts    Options
	logger  zerolog.Logger
	writeCh chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan response
	closed  bool
}

// NewConn wraps ws and starts its writer. Call Serve to start reading.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "rpc").Str("remote", ws.RemoteAddr().String()).Logger(),
		writeCh: make(chan []byte, opts.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan response),
	}

	go c.writeLoop()

	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if c.opts.WriteTimeout > 0 {
				if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
					_ = c.Close()
					return
				}
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing connection")
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) send(ctx context.Context, data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	var timeout <-chan time.Time
	if c.opts.WriteTimeout > 0 {
		timer := time.NewTimer(c.opts.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-timeout:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Call sends a request and waits for its reply, ctx cancellation or connection close.
// result may be nil when the caller does not need the reply body.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc %s: marshal params: %w", method, err)
		}
		rawParams = data
	}

	id := c.nextID.Add(1) - 1
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(message{JSONRPC: version, ID: &id, Method: method, Params: rawParams})
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("rpc %s: marshal request: %w", method, err)
	}
	if err := c.send(ctx, data); err != nil {
		c.dropPending(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if result != nil && len(resp.result) > 0 {
			if err := json.Unmarshal(resp.result, result); err != nil {
				return fmt.Errorf("rpc %s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return fmt.Errorf("rpc %s: %w", method, ctx.Err())
	}
}

func (c *Conn) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Serve reads until the connection fails or is closed, dispatching requests to handlers.
// Every pending Call is rejected with ErrConnectionClosed when Serve returns.
func (c *Conn) Serve(handlers Handlers) error {
	defer func() { _ = c.Close() }()

	if c.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if c.opts.PingInterval > 0 {
		go c.pingLoop()
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return err
		}
		c.extendReadDeadline()

		if messageType != websocket.TextMessage {
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage()
		}
		c.dispatch(handlers, data)
	}
}

func (c *Conn) extendReadDeadline() {
	if c.opts.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) dispatch(handlers Handlers, data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed message")
		c.reply(nil, nil, &Error{Code: CodeParseError, Message: "parse error"})
		return
	}

	if msg.Method == "" {
		c.resolve(msg)
		return
	}

	// Handlers may call back over this connection, so they must not block the read loop
	go c.handleRequest(handlers, msg)
}

func (c *Conn) resolve(msg message) {
	if msg.ID == nil {
		if msg.Error != nil {
			c.logger.Warn().Int("code", msg.Error.Code).Str("error", msg.Error.Message).Msg("Remote reported an error without id")
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Uint64("id", *msg.ID).Msg("Dropping reply with no pending call")
		return
	}
	if msg.Error != nil {
		ch <- response{err: msg.Error}
		return
	}
	ch <- response{result: msg.Result}
}

func (c *Conn) handleRequest(handlers Handlers, msg message) {
	handler, ok := handlers[msg.Method]
	if !ok {
		c.reply(msg.ID, nil, &Error{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method})
		return
	}

	result, err := c.invoke(handler, msg)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", msg.Method).Msg("Handler failed")
		c.reply(msg.ID, nil, toError(err))
		return
	}
	c.reply(msg.ID, result, nil)
}

func (c *Conn) invoke(handler HandlerFunc, msg message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("method", msg.Method).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", msg.Method, r)
		}
	}()
	return handler(c.ctx, msg.Params)
}

// reply sends a result or error. Notifications (no id) get no reply except parse errors.
func (c *Conn) reply(id *uint64, result any, rpcErr *Error) {
	if id == nil && rpcErr == nil {
		return
	}

	out := message{JSONRPC: version, ID: id, Error: rpcErr}
	if rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			out.Error = &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("marshal result: %v", err)}
		} else if result == nil || string(data) == "null" {
			out.Result = json.RawMessage(`{}`)
		} else {
			out.Result = data
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if err := c.send(c.ctx, data); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send reply")
	}
}

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close tears down the socket and rejects every pending call
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint64]chan response)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- response{err: ErrConnectionClosed}
		}

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
