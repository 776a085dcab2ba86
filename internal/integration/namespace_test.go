package integration

import (
	"net/http"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"ografserver/internal/api"
	"ografserver/internal/renderer"
	"ografserver/pkg/types"
)

func createAccount(t *testing.T, env *Env, email string) string {
	t.Helper()
	resp := env.DoJSON(http.MethodPost, api.InternalPrefix+"/accounts", api.CreateAccountRequest{Email: email})
	Expect(t, resp, http.StatusOK)
	var created api.CreateAccountResponse
	resp.Decode(t, &created)
	return created.NamespaceID
}

func TestNamespace_TenantsAreIsolated(t *testing.T) {
	env := NewEnv(t, EnvOptions{MultiTenant: true})
	tenant := createAccount(t, env, "ops@example.com")
	other := createAccount(t, env, "news@example.com")
	if tenant == other {
		t.Fatalf("Two emails share namespace %s", tenant)
	}

	uploadTwoGraphics(t, env, tenant)
	if n := len(listGraphics(t, env, tenant)); n != 2 {
		t.Errorf("Expected 2 graphics in the tenant, got %d", n)
	}
	if n := len(listGraphics(t, env, other)); n != 0 {
		t.Errorf("Expected the other tenant to be empty, got %d", n)
	}
	if n := len(listGraphics(t, env, "")); n != 0 {
		t.Errorf("Expected the default namespace to be empty, got %d", n)
	}
	Expect(t, env.Do(http.MethodGet, resourcePath(other, "gfx1", "graphic.mjs"), nil, ""), http.StatusNotFound)

	env.StartRenderer(tenant, "studio", 1)
	resp := env.Do(http.MethodGet, Prefix(other)+api.ControlPrefix+"/renderers", nil, "")
	Expect(t, resp, http.StatusOK)
	var list api.ListRenderersResponse
	resp.Decode(t, &list)
	if len(list.Renderers) != 0 {
		t.Errorf("Expected no renderers in the other tenant, got %+v", list.Renderers)
	}
}

func TestNamespace_UnknownNamespaceRejectsRenderer(t *testing.T) {
	env := NewEnv(t, EnvOptions{MultiTenant: true})
	socketURL, err := renderer.RendererURL(env.Server.URL, "0123456789ab")
	if err != nil {
		t.Fatal(err)
	}
	_, resp, err := gws.DefaultDialer.Dial(socketURL, nil)
	if err == nil {
		t.Fatal("Expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 handshake response, got %+v", resp)
	}
}

func TestNamespace_EvictionReconnectsRenderer(t *testing.T) {
	env := NewEnv(t, EnvOptions{MultiTenant: true, TTL: time.Hour})
	tenant := createAccount(t, env, "ops@example.com")
	uploadTwoGraphics(t, env, tenant)
	client := env.StartRenderer(tenant, "studio", 1)

	first := env.Namespace(tenant)
	if again := env.Namespace(tenant); again != first {
		t.Fatal("Expected the same namespace instance within the TTL")
	}

	base := Prefix(tenant) + api.ControlPrefix + "/renderers/" + client.RendererID()
	resp := env.DoJSON(http.MethodPut, base+"/target/graphic/load?"+TargetQuery("layer-0"), api.LoadRequest{GraphicID: "gfx1"})
	Expect(t, resp, http.StatusOK)

	env.Clock.Advance(2 * time.Hour)
	env.Registry.Cleanup()

	// The renderer loses its socket with the old namespace and registers with a new one
	var current *types.RendererInfo
	Eventually(t, "renderer to rejoin a rebuilt namespace", func() bool {
		ns, err := env.Registry.Resolve(tenant)
		if err != nil || ns == first {
			return false
		}
		renderers := ns.Hub.ListRenderers()
		if len(renderers) != 1 {
			return false
		}
		current = &renderers[0]
		return true
	})
	if current.ID != client.RendererID() {
		t.Errorf("Expected renderer id %s after reconnect, got %s", client.RendererID(), current.ID)
	}

	if n := len(listGraphics(t, env, tenant)); n != 2 {
		t.Errorf("Expected graphics to survive eviction, got %d", n)
	}

	resp = env.Do(http.MethodGet, base+"/target?"+TargetQuery("layer-0"), nil, "")
	Expect(t, resp, http.StatusOK)
	var target api.TargetResponse
	resp.Decode(t, &target)
	if got := target.RenderTarget.GraphicInstances; len(got) != 1 || got[0].GraphicID != "gfx1" {
		t.Errorf("Expected the renderer to keep playing gfx1, got %+v", got)
	}
}
