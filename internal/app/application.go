package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/accounts"
	"ografserver/internal/api"
	"ografserver/internal/config"
	"ografserver/internal/hub"
	"ografserver/internal/logging"
	"ografserver/internal/namespace"
	"ografserver/internal/rpc"
	"ografserver/internal/websocket"
	"ografserver/pkg/types"
)

// Version is reported by the control API's server info
var Version = "dev"

// Application coordinates all server components
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	logCloser  io.Closer
	accounts   *accounts.Store
	namespaces *namespace.Registry
	apiServer  *api.Server
	httpServer *http.Server

	listener net.Listener
	cancel   context.CancelFunc
}

// NewApplication creates a server with all components initialized
// Component initialization follows strict dependency order:
// Logging → Accounts → Namespaces → WebSocket → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Logging
	logger, logCloser, err := logging.New(*cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	// STEP 2: Accounts, only when multi-tenancy is enabled
	var store *accounts.Store
	var accountsAPI api.Accounts
	if cfg.MultiTenant() {
		store, err = accounts.Open(accounts.Options{
			Root:          cfg.Namespaces.Root,
			CacheTTL:      cfg.Namespaces.AccountCacheTTL,
			TouchDebounce: cfg.Namespaces.TouchDebounce,
			Logger:        logger,
		})
		if err != nil {
			_ = logCloser.Close()
			return nil, fmt.Errorf("failed to open accounts: %w", err)
		}
		accountsAPI = store
	}

	// STEP 3: Namespace registry; namespaces are built on first use
	registry := namespace.NewRegistry(namespace.Options{
		DefaultGraphicsPath: cfg.Storage.GraphicsPath,
		Accounts:            store,
		TTL:                 cfg.Namespaces.TTL,
		CleanupInterval:     cfg.Namespaces.CleanupInterval,
		RemovalGrace:        cfg.Storage.RemovalGrace,
		SweepInterval:       cfg.Storage.SweepInterval,
		InfoPollInterval:    cfg.RPC.InfoPollInterval,
		Hub: hub.Options{
			CallTimeout:    cfg.RPC.CallTimeout,
			InfoPollDelay:  cfg.RPC.InfoPollDelay,
			DebugRateLimit: cfg.RPC.DebugRateLimit,
		},
		Logger: logger,
	})

	// STEP 4: Renderer sockets
	wsHandler := websocket.NewHandler(registry, rpc.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, logger)

	// STEP 5: HTTP API, which also routes both renderer paths to the socket handler
	apiServer := api.NewServer(api.Options{
		Namespaces:    registry,
		Accounts:      accountsAPI,
		Renderers:     http.HandlerFunc(wsHandler.HandleRenderer),
		MaxUploadSize: cfg.HTTP.MaxUploadSize,
		Version:       Version,
		Logger:        logger,
	})

	// STEP 6: HTTP server
	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, fmt.Sprint(cfg.HTTP.Port)),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logging.Component(logger, "app"),
		logCloser:  logCloser,
		accounts:   store,
		namespaces: registry,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start opens the default namespace, starts the namespace janitor and serves HTTP
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info().Str("addr", app.httpServer.Addr).Bool("multi_tenant", app.config.MultiTenant()).Msg("Starting OGraf server")

	// STEP 1: Open the default store now so a broken graphics folder fails startup
	if _, err := app.namespaces.Get(types.DefaultNamespaceID); err != nil {
		return fmt.Errorf("failed to open default namespace: %w", err)
	}

	// STEP 2: Evict idle namespaces in the background
	janitorCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.namespaces.StartJanitor(janitorCtx)

	// STEP 3: Start HTTP server (accepts connections)
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrCh:
		cancel()
		return err
	case <-time.After(100 * time.Millisecond):
		app.logger.Info().Str("addr", listener.Addr().String()).Msg("OGraf server started")
		return nil
	case <-ctx.Done():
		cancel()
		_ = app.httpServer.Close()
		return ctx.Err()
	}
}

// Stop shuts down in reverse dependency order: HTTP → Namespaces → Logging
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("Shutting down OGraf server")

	var errs []error
	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
		errs = append(errs, err)
	}

	// STEP 2: Stop the janitor and close every namespace (renderer sockets, tasks, indexes)
	if app.cancel != nil {
		app.cancel()
	}
	app.namespaces.Close()

	app.logger.Info().Msg("OGraf server shutdown complete")

	// STEP 3: Release the log file last
	if err := app.logCloser.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, the configured one before
func (app *Application) GetAddr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the HTTP routes without a listener
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Namespaces exposes the registry to in-process callers
func (app *Application) Namespaces() *namespace.Registry {
	return app.namespaces
}
