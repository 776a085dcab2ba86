package renderer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ografserver/internal/cache"
	"ografserver/pkg/types"
)

const packageCacheTTL = 24 * time.Hour

// ManifestSource fetches the manifest of a graphic package
type ManifestSource interface {
	Manifest(ctx context.Context, graphicID string) (*types.GraphicManifest, error)
}

// HTTPManifestSource reads manifests from the server's resource endpoint
type HTTPManifestSource struct {
	base   string
	client *http.Client
}

// NewHTTPManifestSource targets serverURL, inside namespace when it is not empty
func NewHTTPManifestSource(serverURL, namespace string, client *http.Client) *HTTPManifestSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimSuffix(serverURL, "/")
	if namespace != "" {
		base += "/ns/" + url.PathEscape(namespace)
	}
	return &HTTPManifestSource{base: base + "/serverApi/internal/graphics/", client: client}
}

// ResourceURL is where a file of a package is served
func (s *HTTPManifestSource) ResourceURL(graphicID, localPath string) string {
	return s.base + url.PathEscape(graphicID) + "/" + strings.TrimPrefix(localPath, "/")
}

func (s *HTTPManifestSource) Manifest(ctx context.Context, graphicID string) (*types.GraphicManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ResourceURL(graphicID, "manifest.json"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest of %s: %w", graphicID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, types.NotFound("graphic %q not found", graphicID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("failed to fetch manifest of %s: status %d", graphicID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest of %s: %w", graphicID, err)
	}
	m, err := types.ParseGraphicManifest(data)
	if err != nil {
		return nil, err
	}
	if m.ID != graphicID {
		return nil, fmt.Errorf("manifest of %s declares id %q", graphicID, m.ID)
	}
	return m, nil
}

// Package is a graphic ready to be instantiated
type Package struct {
	Manifest *types.GraphicManifest
	Factory  GraphicFactory
}

// PackageCache resolves graphic ids to packages. The first use of an id fetches
// its manifest and defines its constructor; later uses hit the cache.
type PackageCache struct {
	source   ManifestSource
	catalog  *Catalog
	elements *ElementRegistry
	cache    *cache.Cache[string, *Package]
}

func NewPackageCache(source ManifestSource, catalog *Catalog, elements *ElementRegistry) *PackageCache {
	return &PackageCache{
		source:   source,
		catalog:  catalog,
		elements: elements,
		cache:    cache.New[string, *Package](packageCacheTTL),
	}
}

func (p *PackageCache) Get(ctx context.Context, graphicID string) (*Package, error) {
	return p.cache.GetOrCreate(graphicID, func() (*Package, error) {
		manifest, err := p.source.Manifest(ctx, graphicID)
		if err != nil {
			return nil, err
		}
		factory := p.elements.Define(graphicID, p.catalog.Resolve(manifest))
		return &Package{Manifest: manifest, Factory: factory}, nil
	})
}

// Reset forgets every cached manifest; constructors stay defined
func (p *PackageCache) Reset() {
	p.cache.Clear()
}

func (p *PackageCache) Len() int {
	return p.cache.Len()
}
