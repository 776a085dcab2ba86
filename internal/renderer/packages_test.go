package renderer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"ografserver/pkg/types"
)

func TestHTTPManifestSourceURLs(t *testing.T) {
	tests := []struct {
		server    string
		namespace string
		want      string
	}{
		{"http://localhost:8080", "", "http://localhost:8080/serverApi/internal/graphics/gfx1/lib/main.js"},
		{"http://localhost:8080/", "", "http://localhost:8080/serverApi/internal/graphics/gfx1/lib/main.js"},
		{"https://ograf.example.com", "a1b2c3", "https://ograf.example.com/ns/a1b2c3/serverApi/internal/graphics/gfx1/lib/main.js"},
	}
	for _, tt := range tests {
		s := NewHTTPManifestSource(tt.server, tt.namespace, nil)
		if got := s.ResourceURL("gfx1", "/lib/main.js"); got != tt.want {
			t.Errorf("ResourceURL(%q, %q) = %q, want %q", tt.server, tt.namespace, got, tt.want)
		}
	}
}

func TestHTTPManifestSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ns/team/serverApi/internal/graphics/lower-third/manifest.json":
			fmt.Fprint(w, `{"id":"lower-third","name":"Lower third","stepCount":2}`)
		case "/ns/team/serverApi/internal/graphics/liar/manifest.json":
			fmt.Fprint(w, `{"id":"someone-else"}`)
		case "/ns/team/serverApi/internal/graphics/garbled/manifest.json":
			fmt.Fprint(w, `{"id":`)
		case "/ns/team/serverApi/internal/graphics/flaky/manifest.json":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	source := NewHTTPManifestSource(srv.URL, "team", srv.Client())
	ctx := context.Background()

	m, err := source.Manifest(ctx, "lower-third")
	if err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if m.Name != "Lower third" || m.StepCount == nil || *m.StepCount != 2 {
		t.Errorf("manifest = %+v", m)
	}
	if string(m.Raw) != `{"id":"lower-third","name":"Lower third","stepCount":2}` {
		t.Errorf("raw = %s", m.Raw)
	}

	if _, err := source.Manifest(ctx, "missing"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("missing manifest error = %v, want not found", err)
	}
	if _, err := source.Manifest(ctx, "liar"); err == nil {
		t.Error("manifest with wrong id accepted")
	}
	if _, err := source.Manifest(ctx, "garbled"); types.KindOf(err) != types.KindValidation {
		t.Errorf("garbled manifest error = %v, want validation", err)
	}
	if _, err := source.Manifest(ctx, "flaky"); err == nil || types.KindOf(err) != types.KindInternal {
		t.Errorf("bad gateway error = %v, want internal", err)
	}
}

func TestPackageCacheFetchesOnce(t *testing.T) {
	source := newStaticSource(manifest("gfx1"))
	elements := NewElementRegistry()
	packages := NewPackageCache(source, NewCatalog(nil), elements)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := packages.Get(ctx, "gfx1"); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if n := source.fetched("gfx1"); n != 1 {
		t.Errorf("fetched %d times, want 1", n)
	}
	if _, ok := elements.Lookup("gfx1"); !ok {
		t.Error("graphic was not defined")
	}

	if _, err := packages.Get(ctx, "nope"); types.KindOf(err) != types.KindNotFound {
		t.Errorf("unknown graphic error = %v, want not found", err)
	}
	if packages.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (failures are not cached)", packages.Len())
	}

	packages.Reset()
	if packages.Len() != 0 {
		t.Errorf("Len() after Reset = %d", packages.Len())
	}
	if _, err := packages.Get(ctx, "gfx1"); err != nil {
		t.Fatalf("Get() after Reset error = %v", err)
	}
	if n := source.fetched("gfx1"); n != 2 {
		t.Errorf("fetched %d times after Reset, want 2", n)
	}
}

func TestElementRegistryKeepsFirstDefinition(t *testing.T) {
	elements := NewElementRegistry()
	var first, second int
	f1 := GraphicFactory(func(m *types.GraphicManifest) (Graphic, error) { first++; return NewHeadlessGraphic(m) })
	f2 := GraphicFactory(func(m *types.GraphicManifest) (Graphic, error) { second++; return NewHeadlessGraphic(m) })

	elements.Define("gfx1", f1)
	got := elements.Define("gfx1", f2)
	if _, err := got(manifest("gfx1")); err != nil {
		t.Fatal(err)
	}
	if first != 1 || second != 0 {
		t.Errorf("factory calls = %d/%d, want the first definition to win", first, second)
	}
	if _, ok := elements.Lookup("other"); ok {
		t.Error("Lookup() found an undefined graphic")
	}
}

func TestCatalogResolve(t *testing.T) {
	var custom bool
	catalog := NewCatalog(nil)
	catalog.Register("special.mjs", func(m *types.GraphicManifest) (Graphic, error) {
		custom = true
		return NewHeadlessGraphic(m)
	})

	m := manifest("gfx1")
	if _, err := catalog.Resolve(m)(m); err != nil || custom {
		t.Errorf("default entry resolved to custom factory (err %v)", err)
	}
	m.Main = "special.mjs"
	if _, err := catalog.Resolve(m)(m); err != nil || !custom {
		t.Errorf("registered entry did not resolve to its factory (err %v)", err)
	}
}
