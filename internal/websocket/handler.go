// Package websocket accepts renderer sockets and attaches them to their namespace's hub.
package websocket

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ografserver/internal/hub"
	"ografserver/internal/namespace"
	"ografserver/internal/rpc"
	"ografserver/pkg/types"
)

// Paths a renderer dials; the namespaced one carries the namespaceId path value
const (
	RendererPath           = "/rendererApi/v1"
	NamespacedRendererPath = "/ns/{namespaceId}/rendererApi/v1"
)

// Namespaces resolves the namespace a socket belongs to
type Namespaces interface {
	Resolve(requested string) (*namespace.Namespace, error)
	Touch(id string)
}

var upgrader = websocket.Upgrader{
	// Renderers connect from anywhere; there is no browser session to protect
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades renderer connections
type Handler struct {
	namespaces Namespaces
	opts       rpc.Options
	logger     zerolog.Logger
}

func NewHandler(namespaces Namespaces, opts rpc.Options, logger zerolog.Logger) *Handler {
	opts.Logger = logger
	return &Handler{
		namespaces: namespaces,
		opts:       opts,
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// HandleRenderer resolves the namespace, upgrades, and serves the renderer protocol
// until the socket closes. Namespace errors are answered before the upgrade.
func (h *Handler) HandleRenderer(w http.ResponseWriter, r *http.Request) {
	ns, err := h.namespaces.Resolve(r.PathValue("namespaceId"))
	if err != nil {
		status := types.KindOf(err).StatusCode()
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Msg("Failed to resolve namespace")
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		h.logger.Warn().Err(fmt.Errorf("%w: %v", ErrUpgradeFailed, err)).Msg("Renderer connection rejected")
		return
	}

	opts := h.opts
	opts.OnMessage = func() { h.namespaces.Touch(ns.ID) }
	conn := rpc.NewConn(ws, opts)
	rc := ns.Hub.AddRenderer(conn)

	h.logger.Info().Str("namespace_id", ns.ID).Str("remote", conn.RemoteAddr()).Msg("Renderer connected")
	go h.handleConnection(ns, conn, rc)
}

func (h *Handler) handleConnection(ns *namespace.Namespace, conn *rpc.Conn, rc *hub.RendererConnection) {
	defer func() {
		ns.Hub.CloseRenderer(rc)
		_ = conn.Close()
	}()

	if err := conn.Serve(ns.Hub.Handlers(rc)); err != nil {
		h.logger.Debug().Err(err).Str("namespace_id", ns.ID).Str("renderer_id", rc.ID()).Msg("Renderer socket ended")
	}
	h.logger.Info().Str("namespace_id", ns.ID).Str("renderer_id", rc.ID()).Msg("Renderer disconnected")
}
