// Package api serves the HTTP control API, graphic uploads and package resources.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/namespace"
	"ografserver/internal/websocket"
	"ografserver/pkg/types"
)

// Mount points of the route groups. Each has a namespaced twin under /ns/{namespaceId}.
const (
	ControlPrefix    = "/serverApi/v1"
	InternalPrefix   = "/serverApi/internal"
	NamespacePrefix  = "/ns/{namespaceId}"
	defaultMaxUpload = 256 << 20
)

// Namespaces resolves the namespace a request addresses
type Namespaces interface {
	Resolve(requested string) (*namespace.Namespace, error)
	Len() int
}

// Accounts creates tenants; nil disables the accounts endpoint
type Accounts interface {
	CreateAccount(email string) (types.Account, error)
}

type Options struct {
	Namespaces Namespaces
	Accounts   Accounts
	// Renderers accepts renderer sockets on both renderer paths
	Renderers     http.Handler
	MaxUploadSize int64
	Name          string
	Version       string
	Logger        zerolog.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP layer only translates requests onto namespaces; graphics
// and renderer semantics live in their own packages
type Server struct {
	namespaces Namespaces
	accounts   Accounts
	renderers  http.Handler
	maxUpload  int64
	name       string
	version    string
	started    time.Time
	logger     zerolog.Logger
	router     *http.ServeMux
}

func NewServer(opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUpload
	}
	if opts.Name == "" {
		opts.Name = "ografserver"
	}
	s := &Server{
		namespaces: opts.Namespaces,
		accounts:   opts.Accounts,
		renderers:  opts.Renderers,
		maxUpload:  opts.MaxUploadSize,
		name:       opts.Name,
		version:    opts.Version,
		started:    time.Now(),
		logger:     opts.Logger.With().Str("component", "api").Logger(),
		router:     http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	for _, prefix := range []string{"", NamespacePrefix} {
		s.mountControl(prefix + ControlPrefix)
		s.mountInternal(prefix + InternalPrefix)
		if s.renderers != nil {
			s.router.Handle("GET "+prefix+websocket.RendererPath, s.renderers)
		}
	}
	s.router.Handle("POST "+InternalPrefix+"/accounts", s.api(s.createAccount))
	s.router.Handle("GET /health", s.api(s.healthCheck))
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.NotFoundHandler()))
}

func (s *Server) mountControl(p string) {
	s.router.Handle("GET "+p+"/{$}", s.api(s.withNamespace(s.serverInfo)))
	s.router.Handle("GET "+p+"/graphics", s.api(s.withNamespace(s.listGraphics)))
	s.router.Handle("GET "+p+"/graphics/{graphicId}", s.api(s.withNamespace(s.getGraphic)))
	s.router.Handle("DELETE "+p+"/graphics/{graphicId}", s.api(s.withNamespace(s.deleteGraphic)))
	s.router.Handle("GET "+p+"/renderers", s.api(s.withNamespace(s.listRenderers)))
	s.router.Handle("GET "+p+"/renderers/{rendererId}", s.api(s.withNamespace(s.getRenderer)))
	s.router.Handle("GET "+p+"/renderers/{rendererId}/target", s.api(s.withNamespace(s.getTarget)))
	s.router.Handle("POST "+p+"/renderers/{rendererId}/customActions/{customActionId}", s.api(s.withNamespace(s.invokeRendererAction)))
	s.router.Handle("PUT "+p+"/renderers/{rendererId}/target/graphic/clear", s.api(s.withNamespace(s.clearGraphics)))
	s.router.Handle("PUT "+p+"/renderers/{rendererId}/target/graphic/load", s.api(s.withNamespace(s.loadGraphic)))
	s.router.Handle("POST "+p+"/renderers/{rendererId}/target/graphic/{action}", s.api(s.withNamespace(s.invokeGraphicAction)))
}

func (s *Server) mountInternal(p string) {
	s.router.Handle("POST "+p+"/graphics/graphic", s.api(s.withNamespace(s.uploadGraphic)))
	s.router.Handle("GET "+p+"/graphics/{graphicId}/{localPath...}", s.corsMiddleware(s.withNamespace(s.serveResource)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// api wraps a JSON endpoint with CORS and JSON headers
func (s *Server) api(h http.HandlerFunc) http.Handler {
	return s.corsMiddleware(s.jsonMiddleware(h))
}

// namespacedHandler is a handler bound to the namespace its path addresses
type namespacedHandler func(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace)

func (s *Server) withNamespace(h namespacedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns, err := s.namespaces.Resolve(r.PathValue("namespaceId"))
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		h(w, r, ns)
	}
}

// ServerInfoResponse answers GET / of the control API
type ServerInfoResponse struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	NamespaceID string `json:"namespaceId"`
}

type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Uptime     string         `json:"uptime"`
	Database   string         `json:"database"`
	Namespaces int            `json:"namespaces"`
	Renderers  map[string]int `json:"renderers"`
}

// ErrorResponse is the body of every failed request. Stack is only set for internal errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (s *Server) serverInfo(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	s.sendJSON(w, http.StatusOK, ServerInfoResponse{
		Name:        s.name,
		Version:     s.version,
		Description: "OGraf graphics server",
		NamespaceID: ns.ID,
	})
}

// FUNCTIONAL DISCOVERY: GET /health checks the default namespace's index and reports its renderers
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Database:  "healthy",
	}

	ns, err := s.namespaces.Resolve(types.DefaultNamespaceID)
	if err == nil {
		err = ns.HealthCheck(ctx)
	}
	if err != nil {
		resp.Status = "unhealthy"
		resp.Database = "error: " + err.Error()
	} else {
		stats := ns.Hub.Stats()
		resp.Renderers = map[string]int{"connected": stats.Connected, "registered": stats.Registered}
	}
	resp.Namespaces = s.namespaces.Len()

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.sendJSON(w, status, resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// sendError answers with the status of err's kind. Internal errors carry a stack trace.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	code := kind.StatusCode()
	resp := ErrorResponse{Error: kind.String(), Code: code, Message: err.Error()}

	if kind == types.KindInternal {
		resp.Stack = string(debug.Stack())
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("Request rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	s.sendJSON(w, code, resp)
}

// decodeBody reads an optional JSON body into v; an empty body leaves v untouched
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return types.Validation("invalid JSON body: %v", err)
}

// rawBody reads the body as raw JSON; an empty body is nil
func rawBody(r *http.Request) (json.RawMessage, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, types.Validation("failed to read body: %v", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, types.Validation("body must be valid JSON")
	}
	return data, nil
}

// Allows all origins; controllers are typically browser apps served from elsewhere
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
