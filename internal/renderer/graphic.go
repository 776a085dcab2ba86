package renderer

import (
	"context"
	"encoding/json"
	"sync"

	"ografserver/pkg/types"
)

// Graphic is a live graphic instance. Every method may fail; failures are
// reported as graphic errors, never as renderer faults.
type Graphic interface {
	Load(ctx context.Context, params types.LoadParams) (types.ActionResult, error)
	Dispose(ctx context.Context) (types.ActionResult, error)
	UpdateAction(ctx context.Context, data json.RawMessage) (types.ActionResult, error)
	PlayAction(ctx context.Context, params types.PlayActionParams) (types.ActionResult, error)
	StopAction(ctx context.Context, params json.RawMessage) (types.ActionResult, error)
	CustomAction(ctx context.Context, params types.CustomActionParams) (types.ActionResult, error)
}

// GraphicFactory constructs a new instance of a graphic package
type GraphicFactory func(manifest *types.GraphicManifest) (Graphic, error)

// Catalog maps a package's entry file onto the factory able to run it.
// Packages whose entry has no registered factory run on the fallback.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]GraphicFactory
	fallback  GraphicFactory
}

func NewCatalog(fallback GraphicFactory) *Catalog {
	if fallback == nil {
		fallback = NewHeadlessGraphic
	}
	return &Catalog{factories: make(map[string]GraphicFactory), fallback: fallback}
}

// Register binds an entry file name (the manifest's main) to a factory
func (c *Catalog) Register(main string, factory GraphicFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[main] = factory
}

// Resolve picks the factory for a manifest
func (c *Catalog) Resolve(manifest *types.GraphicManifest) GraphicFactory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if f, ok := c.factories[manifest.Main]; ok {
		return f
	}
	return c.fallback
}

// ElementRegistry holds the constructor of every graphic defined in this process.
// A graphic id is defined once; later definitions are ignored.
type ElementRegistry struct {
	mu      sync.RWMutex
	defined map[string]GraphicFactory
}

func NewElementRegistry() *ElementRegistry {
	return &ElementRegistry{defined: make(map[string]GraphicFactory)}
}

// Define registers factory under graphicID unless one is already defined.
// It returns the factory in effect.
func (r *ElementRegistry) Define(graphicID string, factory GraphicFactory) GraphicFactory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defined[graphicID]; ok {
		return existing
	}
	r.defined[graphicID] = factory
	return factory
}

func (r *ElementRegistry) Lookup(graphicID string) (GraphicFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.defined[graphicID]
	return f, ok
}
