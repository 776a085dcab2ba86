package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ografserver/internal/accounts"
	"ografserver/internal/hub"
	"ografserver/internal/namespace"
	"ografserver/internal/rpc"
	"ografserver/pkg/types"
)

func setupServer(t *testing.T, store *accounts.Store) (*namespace.Registry, string) {
	t.Helper()
	registry := namespace.NewRegistry(namespace.Options{
		DefaultGraphicsPath: filepath.Join(t.TempDir(), "graphics"),
		Accounts:            store,
		Hub:                 hub.Options{InfoPollDelay: time.Hour},
		Logger:              zerolog.Nop(),
	})

	opts := rpc.DefaultOptions()
	opts.PingInterval = 0
	handler := NewHandler(registry, opts, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+RendererPath, handler.HandleRenderer)
	mux.HandleFunc("GET "+NamespacedRendererPath, handler.HandleRenderer)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		registry.Close()
		srv.Close()
	})
	return registry, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialRenderer(t *testing.T, url string) *rpc.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	opts := rpc.DefaultOptions()
	opts.PingInterval = 0
	conn := rpc.NewConn(ws, opts)
	go func() { _ = conn.Serve(rpc.Handlers{}) }()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestHandler_RegisterAndDisconnect(t *testing.T) {
	registry, base := setupServer(t, nil)
	conn := dialRenderer(t, base+RendererPath)

	var res types.RegisterResult
	err := conn.Call(context.Background(), types.MethodRegister, types.RegisterParams{Info: types.RendererInfo{Name: "R1"}}, &res)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if res.RendererID != "renderer:0" {
		t.Errorf("Expected renderer:0, got %s", res.RendererID)
	}

	ns, err := registry.Resolve("")
	if err != nil {
		t.Fatal(err)
	}
	list := ns.Hub.ListRenderers()
	if len(list) != 1 || list[0].Name != "R1" {
		t.Fatalf("Expected R1 in the hub, got %+v", list)
	}

	_ = conn.Close()
	waitFor(t, "renderer removal", func() bool { return ns.Hub.Stats().Connected == 0 })
	if len(ns.Hub.ListRenderers()) != 0 {
		t.Error("Disconnected renderer still listed")
	}
}

func TestHandler_NamespacedPath(t *testing.T) {
	store, err := accounts.Open(accounts.Options{Root: t.TempDir(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	account, err := store.CreateAccount("studio@example.com")
	if err != nil {
		t.Fatal(err)
	}
	registry, base := setupServer(t, store)

	conn := dialRenderer(t, base+"/ns/"+account.NamespaceID+RendererPath)
	if err := conn.Call(context.Background(), types.MethodRegister, types.RegisterParams{}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tenant, _ := registry.Resolve(account.NamespaceID)
	def, _ := registry.Resolve("")
	if tenant.Hub.Stats().Registered != 1 || def.Hub.Stats().Registered != 0 {
		t.Error("Renderer should be attached to its own namespace only")
	}

	_, resp, err := websocket.DefaultDialer.Dial(base+"/ns/nosuchspace1"+RendererPath, nil)
	if err == nil {
		t.Fatal("Expected dial to an unknown namespace to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown namespace, got %v", resp)
	}
}
