package renderer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ografserver/internal/rpc"
	"ografserver/pkg/types"
)

// ReconnectConfig shapes the exponential backoff between connection attempts
type ReconnectConfig struct {
	// MaxRetries is the number of failed attempts in a row before giving up; 0 retries forever
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// calculateBackoff is RetryDelay * 2^(attempt-1), capped at MaxRetryDelay
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// RendererURL turns the server's HTTP URL into the renderer socket URL
func RendererURL(serverURL, namespace string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid server url scheme %q", u.Scheme)
	}
	if namespace != "" {
		u.Path += "/ns/" + url.PathEscape(namespace)
	}
	u.Path += "/rendererApi/v1"
	return u.String(), nil
}

// Client keeps a renderer connected and registered with the server
type Client struct {
	renderer  *Renderer
	url       string
	opts      rpc.Options
	reconnect ReconnectConfig
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	mu         sync.Mutex
	conn       *rpc.Conn
	rendererID string
	registered chan struct{}
}

func NewClient(r *Renderer, socketURL string, opts rpc.Options, reconnect ReconnectConfig, logger zerolog.Logger) *Client {
	opts.Logger = logger
	c := &Client{
		renderer:   r,
		url:        socketURL,
		opts:       opts,
		reconnect:  reconnect,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:     logger.With().Str("component", "renderer-client").Str("url", socketURL).Logger(),
		registered: make(chan struct{}),
	}
	r.OnStatusChange(func() {
		go func() {
			if err := c.PushInfo(context.Background()); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to push status")
			}
		}()
	})
	return c
}

// RendererID is the id the server assigned on the current connection
func (c *Client) RendererID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rendererID
}

// Registered is closed after the first successful registration
func (c *Client) Registered() <-chan struct{} {
	return c.registered
}

// Run connects, registers and serves until ctx ends, reconnecting with backoff
// whenever the socket drops.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
		}
		failures++
		if c.reconnect.MaxRetries > 0 && failures > c.reconnect.MaxRetries {
			return fmt.Errorf("%w (%d attempts): %v", ErrMaxRetries, c.reconnect.MaxRetries, err)
		}

		delay := calculateBackoff(failures, c.reconnect)
		c.logger.Warn().Err(err).Int("attempt", failures).Dur("delay", delay).Msg("Connection lost, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// session runs one connection. connected reports whether registration succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn := rpc.NewConn(ws, c.opts)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	served := make(chan error, 1)
	go func() { served <- conn.Serve(c.renderer.Handlers()) }()

	var res types.RegisterResult
	if err := conn.Call(ctx, types.MethodRegister, types.RegisterParams{Info: c.renderer.Info()}, &res); err != nil {
		_ = conn.Close()
		<-served
		return false, fmt.Errorf("register: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.rendererID = res.RendererID
	select {
	case <-c.registered:
	default:
		close(c.registered)
	}
	c.mu.Unlock()
	c.logger.Info().Str("renderer_id", res.RendererID).Msg("Registered with server")

	err = <-served

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if err == nil {
		err = errors.New("connection closed")
	}
	return true, err
}

func (c *Client) current() (*rpc.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, rpc.ErrConnectionClosed
	}
	return c.conn, nil
}

// PushInfo reports the renderer's current info to the server
func (c *Client) PushInfo(ctx context.Context) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Call(ctx, types.MethodOnInfo, types.OnInfoParams{Info: c.renderer.Info()}, nil)
}

// Debug sends a message to the server log
func (c *Client) Debug(ctx context.Context, message string) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	return conn.Call(ctx, types.MethodDebug, types.DebugParams{Message: message}, nil)
}

// Unregister tells the server this renderer is leaving and closes the socket
func (c *Client) Unregister(ctx context.Context) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	err = conn.Call(ctx, types.MethodUnregister, struct{}{}, nil)
	_ = conn.Close()
	return err
}
