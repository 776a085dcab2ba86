package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ografserver/internal/api"
	"ografserver/internal/config"
	"ografserver/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Storage.GraphicsPath = t.TempDir()
	cfg.Log.Level = "error"
	cfg.RPC.InfoPollDelay = time.Hour
	cfg.Renderer.ProbeURL = ""
	cfg.Renderer.ID = "studio-a"
	cfg.Renderer.Layers = 2
	cfg.Renderer.ReconnectMin = 10 * time.Millisecond
	cfg.Renderer.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	server, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication() error = %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Port = -1
	if _, err := NewApplication(cfg); err == nil {
		t.Fatal("Expected invalid port to be rejected")
	}

	cfg = testConfig(t)
	cfg.Log.Level = "chatty"
	if _, err := NewApplication(cfg); err == nil {
		t.Fatal("Expected invalid log level to be rejected")
	}
}

func TestApplication_StartServesHTTP(t *testing.T) {
	server := startServer(t, testConfig(t))

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "healthy" || health.Namespaces != 1 {
		t.Errorf("Unexpected health: %+v", health)
	}

	resp2, err := http.Get("http://" + server.GetAddr() + "/serverApi/v1/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var info api.ServerInfoResponse
	if err := json.NewDecoder(resp2.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "ografserver" || info.NamespaceID != types.DefaultNamespaceID {
		t.Errorf("Unexpected server info: %+v", info)
	}
}

func TestApplication_StopClosesNamespaces(t *testing.T) {
	server, err := NewApplication(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := server.Namespaces().Len(); n != 1 {
		t.Fatalf("Expected the default namespace to be loaded, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if n := server.Namespaces().Len(); n != 0 {
		t.Errorf("Expected no namespaces after Stop, got %d", n)
	}
	if _, err := http.Get("http://" + server.GetAddr() + "/health"); err == nil {
		t.Error("Expected connection refused after Stop")
	}
}

func TestApplication_MultiTenantAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Namespaces.Root = t.TempDir()
	server, err := NewApplication(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	body, _ := json.Marshal(api.CreateAccountRequest{Email: "ops@example.com"})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/serverApi/internal/accounts", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created api.CreateAccountResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if len(created.NamespaceID) != 12 {
		t.Fatalf("Unexpected namespace id %q", created.NamespaceID)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ns/"+created.NamespaceID+"/serverApi/v1/", nil))
	var info api.ServerInfoResponse
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.NamespaceID != created.NamespaceID {
		t.Errorf("Expected namespace %s, got %+v", created.NamespaceID, info)
	}
}

func TestApplication_SingleTenantRejectsAccounts(t *testing.T) {
	server, err := NewApplication(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/serverApi/internal/accounts", bytes.NewReader([]byte(`{"email":"a@b.c"}`))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestRendererApplication_RegistersWithServer(t *testing.T) {
	cfg := testConfig(t)
	server := startServer(t, cfg)
	cfg.Renderer.ServerURL = "http://" + server.GetAddr()

	rendererApp, err := NewRendererApplication(cfg)
	if err != nil {
		t.Fatalf("NewRendererApplication() error = %v", err)
	}
	if err := rendererApp.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-rendererApp.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("Renderer did not register")
	}
	if id := rendererApp.RendererID(); id != "renderer-studio-a" {
		t.Errorf("Unexpected renderer id %q", id)
	}

	ns, err := server.Namespaces().Get(types.DefaultNamespaceID)
	if err != nil {
		t.Fatal(err)
	}
	renderers := ns.Hub.ListRenderers()
	if len(renderers) != 1 || renderers[0].ID != "renderer-studio-a" {
		t.Fatalf("Unexpected renderers: %+v", renderers)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rendererApp.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ns.Hub.Stats().Registered != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Renderer still registered after Stop")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewRendererApplication_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Renderer.ServerURL = "ftp://example.com"
	if _, err := NewRendererApplication(cfg); err == nil {
		t.Fatal("Expected unsupported scheme to be rejected")
	}
}
