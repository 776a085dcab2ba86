package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/config"
	"ografserver/internal/logging"
	"ografserver/internal/renderer"
	"ografserver/internal/rpc"
)

// RendererApplication runs a headless renderer connected to an OGraf server
type RendererApplication struct {
	config    *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	renderer  *renderer.Renderer
	client    *renderer.Client

	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// NewRendererApplication builds the renderer and its server connection from cfg.Renderer
func NewRendererApplication(cfg *config.Config) (*RendererApplication, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if cfg.Renderer == nil || cfg.Log == nil || cfg.WebSocket == nil {
		return nil, fmt.Errorf("invalid configuration: renderer, log and websocket sections are required")
	}
	if err := cfg.Renderer.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.New(*cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	socketURL, err := renderer.RendererURL(cfg.Renderer.ServerURL, cfg.Renderer.Namespace)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	r := renderer.New(cfg.Renderer, nil, nil, logger)
	client := renderer.NewClient(r, socketURL, rpc.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, renderer.ReconnectConfig{
		RetryDelay:    cfg.Renderer.ReconnectMin,
		MaxRetryDelay: cfg.Renderer.ReconnectMax,
	}, logger)

	return &RendererApplication{
		config:    cfg,
		logger:    logging.Component(logger, "app"),
		logCloser: logCloser,
		renderer:  r,
		client:    client,
	}, nil
}

// Start runs the output measurements and keeps the server connection alive in the background
func (app *RendererApplication) Start(ctx context.Context) error {
	app.logger.Info().
		Str("server", app.config.Renderer.ServerURL).
		Str("namespace", app.config.Renderer.Namespace).
		Int("layers", app.config.Renderer.Layers).
		Msg("Starting renderer")

	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel
	app.done = make(chan struct{})

	app.renderer.Start(ctx, nil)
	go func() {
		defer close(app.done)
		app.runErr = app.client.Run(ctx)
	}()
	return nil
}

// Done is closed once the connection loop gives up or is stopped
func (app *RendererApplication) Done() <-chan struct{} {
	return app.done
}

// Err is the connection loop's result, valid after Done is closed
func (app *RendererApplication) Err() error {
	return app.runErr
}

// Registered is closed after the first successful registration
func (app *RendererApplication) Registered() <-chan struct{} {
	return app.client.Registered()
}

// RendererID is the id the server assigned, empty before registration
func (app *RendererApplication) RendererID() string {
	return app.client.RendererID()
}

// Stop unregisters, closes the connection and stops the measurements
func (app *RendererApplication) Stop(ctx context.Context) error {
	app.logger.Info().Msg("Shutting down renderer")

	// STEP 1: Tell the server, while the socket is still up
	unregisterCtx, cancelUnregister := context.WithTimeout(ctx, 2*time.Second)
	if err := app.client.Unregister(unregisterCtx); err != nil && !errors.Is(err, rpc.ErrConnectionClosed) {
		app.logger.Warn().Err(err).Msg("Unregister failed")
	}
	cancelUnregister()

	// STEP 2: Stop the connection loop
	var errs []error
	if app.cancel != nil {
		app.cancel()
		select {
		case <-app.done:
			if err := app.runErr; err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	// STEP 3: Clear every layer so graphics release their resources
	if _, err := app.renderer.Layers().ClearGraphics(ctx, nil); err != nil {
		app.logger.Warn().Err(err).Msg("Failed to clear layers")
	}
	app.renderer.Stop()

	app.logger.Info().Msg("Renderer shutdown complete")
	if err := app.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
