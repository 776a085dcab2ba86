// Package integration drives the server over real HTTP and WebSocket connections.
package integration

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ografserver/internal/accounts"
	"ografserver/internal/api"
	"ografserver/internal/config"
	"ografserver/internal/hub"
	"ografserver/internal/namespace"
	"ografserver/internal/renderer"
	"ografserver/internal/rpc"
	"ografserver/internal/websocket"
	"ografserver/pkg/types"
)

// Clock is a settable time source shared by the namespaces and their stores
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Env is a full server listening on a loopback port
type Env struct {
	t        *testing.T
	Clock    *Clock
	Registry *namespace.Registry
	Accounts *accounts.Store
	Server   *httptest.Server
}

// EnvOptions tunes NewEnv
type EnvOptions struct {
	MultiTenant  bool
	TTL          time.Duration
	RemovalGrace time.Duration
}

// NewEnv starts a server whose background tasks are driven by hand
func NewEnv(t *testing.T, opts EnvOptions) *Env {
	t.Helper()
	if opts.RemovalGrace == 0 {
		opts.RemovalGrace = 24 * time.Hour
	}
	logger := zerolog.Nop()
	env := &Env{t: t, Clock: &Clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}

	nsOpts := namespace.Options{
		DefaultGraphicsPath: t.TempDir(),
		TTL:                 opts.TTL,
		RemovalGrace:        opts.RemovalGrace,
		Hub:                 hub.Options{CallTimeout: 5 * time.Second, InfoPollDelay: time.Hour},
		Logger:              logger,
		Now:                 env.Clock.Now,
	}
	apiOpts := api.Options{Logger: logger, Version: "integration"}
	if opts.MultiTenant {
		store, err := accounts.Open(accounts.Options{Root: t.TempDir(), Logger: logger})
		if err != nil {
			t.Fatalf("Failed to open accounts: %v", err)
		}
		env.Accounts = store
		nsOpts.Accounts = store
		apiOpts.Accounts = store
	}
	env.Registry = namespace.NewRegistry(nsOpts)

	ws := websocket.NewHandler(env.Registry, rpc.Options{WriteTimeout: 5 * time.Second}, logger)
	apiOpts.Namespaces = env.Registry
	apiOpts.Renderers = http.HandlerFunc(ws.HandleRenderer)
	env.Server = httptest.NewServer(api.NewServer(apiOpts))

	t.Cleanup(func() {
		env.Registry.Close()
		env.Server.Close()
	})
	return env
}

// Namespace returns the live namespace for id
func (e *Env) Namespace(id string) *namespace.Namespace {
	e.t.Helper()
	ns, err := e.Registry.Resolve(id)
	if err != nil {
		e.t.Fatalf("Resolve(%q) error = %v", id, err)
	}
	return ns
}

// Response is a finished HTTP exchange
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Decode unmarshals the body into v
func (r Response) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("Failed to decode %s: %v", r.Body, err)
	}
}

// Do sends a request to the server
func (e *Env) Do(method, path string, body io.Reader, contentType string) Response {
	e.t.Helper()
	req, err := http.NewRequest(method, e.Server.URL+path, body)
	if err != nil {
		e.t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := e.Server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatal(err)
	}
	return Response{Status: resp.StatusCode, Body: data, Header: resp.Header}
}

// DoJSON sends v as the JSON body; nil sends no body
func (e *Env) DoJSON(method, path string, v any) Response {
	e.t.Helper()
	var body io.Reader
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			e.t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	return e.Do(method, path, body, "application/json")
}

// Expect fails the test unless the response has status
func Expect(t *testing.T, r Response, status int) {
	t.Helper()
	if r.Status != status {
		t.Fatalf("Expected status %d, got %d: %s", status, r.Status, r.Body)
	}
}

// Manifest is a minimal valid manifest for id
func Manifest(id string, extra ...string) string {
	fields := []string{
		fmt.Sprintf("%q:%q", "$schema", types.GraphicManifestSchemaURL),
		fmt.Sprintf(`"id":%q`, id),
		`"version":"1.0.0"`,
		fmt.Sprintf(`"name":"Graphic %s"`, id),
		`"main":"graphic.mjs"`,
		`"supportsRealTime":true`,
		`"supportsNonRealTime":false`,
	}
	return "{" + strings.Join(append(fields, extra...), ",") + "}"
}

// Zip packs files into an archive
func Zip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// Upload posts files as a zip to the namespace's upload endpoint
func (e *Env) Upload(namespaceID string, files map[string]string) Response {
	e.t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="graphics.zip"`, api.UploadField))
	h.Set("Content-Type", "application/zip")
	part, err := mw.CreatePart(h)
	if err != nil {
		e.t.Fatal(err)
	}
	if _, err := part.Write(Zip(e.t, files)); err != nil {
		e.t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		e.t.Fatal(err)
	}
	return e.Do(http.MethodPost, Prefix(namespaceID)+api.InternalPrefix+"/graphics/graphic", &body, mw.FormDataContentType())
}

// Prefix is the route prefix of a namespace; empty for the un-namespaced routes
func Prefix(namespaceID string) string {
	if namespaceID == "" {
		return ""
	}
	return "/ns/" + url.PathEscape(namespaceID)
}

// TargetQuery is the renderTarget query parameter addressing layer
func TargetQuery(layer string) string {
	return "renderTarget=" + url.QueryEscape(fmt.Sprintf(`{"layerId":%q}`, layer))
}

// StartRenderer connects a headless renderer that fetches packages from the server
func (e *Env) StartRenderer(namespaceID, id string, layers int) *renderer.Client {
	e.t.Helper()
	cfg := config.DefaultConfig().Renderer
	cfg.ServerURL = e.Server.URL
	cfg.Namespace = namespaceID
	cfg.ID = id
	cfg.Name = "Renderer " + id
	cfg.Layers = layers
	cfg.ProbeURL = ""

	r := renderer.New(cfg, nil, nil, zerolog.Nop())
	socketURL, err := renderer.RendererURL(e.Server.URL, namespaceID)
	if err != nil {
		e.t.Fatal(err)
	}
	client := renderer.NewClient(r, socketURL, rpc.Options{WriteTimeout: 5 * time.Second},
		renderer.ReconnectConfig{RetryDelay: 10 * time.Millisecond, MaxRetryDelay: 50 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	e.t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-client.Registered():
	case <-time.After(5 * time.Second):
		e.t.Fatalf("Renderer %s did not register", id)
	}
	return client
}

// RawRenderer is a bare JSON-RPC peer on the renderer endpoint
type RawRenderer struct {
	Conn *rpc.Conn
}

// DialRenderer opens a renderer socket without registering
func (e *Env) DialRenderer(namespaceID string) *RawRenderer {
	e.t.Helper()
	socketURL, err := renderer.RendererURL(e.Server.URL, namespaceID)
	if err != nil {
		e.t.Fatal(err)
	}
	ws, _, err := gws.DefaultDialer.Dial(socketURL, nil)
	if err != nil {
		e.t.Fatalf("Dial(%s) error = %v", socketURL, err)
	}
	conn := rpc.NewConn(ws, rpc.Options{Logger: zerolog.Nop()})
	go func() { _ = conn.Serve(rpc.Handlers{}) }()
	e.t.Cleanup(func() { _ = conn.Close() })
	return &RawRenderer{Conn: conn}
}

// Register sends register and returns the assigned id
func (r *RawRenderer) Register(t *testing.T, info types.RendererInfo) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var res types.RegisterResult
	if err := r.Conn.Call(ctx, types.MethodRegister, types.RegisterParams{Info: info}, &res); err != nil {
		t.Fatalf("register error = %v", err)
	}
	return res.RendererID
}

// Eventually polls cond until it holds or the deadline passes
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
