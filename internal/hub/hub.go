// Package hub tracks the renderers connected to one namespace and proxies control calls to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/rpc"
	"ografserver/pkg/types"
)

// Caller is the transport a renderer is reached through (an *rpc.Conn in production)
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
	Close() error
}

// IDSequence hands out the numbers of auto-assigned renderer ids. One sequence is
// shared by every hub of a process so auto ids never collide.
type IDSequence struct {
	n atomic.Uint64
}

// Next returns 0, 1, 2, ...
func (s *IDSequence) Next() uint64 {
	return s.n.Add(1) - 1
}

type Options struct {
	// CallTimeout bounds every proxied call; 0 waits forever
	CallTimeout time.Duration
	// InfoPollDelay is how long after register the first getInfo poll runs
	InfoPollDelay time.Duration
	// DebugRateLimit caps debug messages per renderer per minute; 0 means 100
	DebugRateLimit int
	Sequence       *IDSequence
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Stats summarizes the hub for health reporting
type Stats struct {
	Connected  int `json:"connected"`
	Registered int `json:"registered"`
}

// Hub is the renderer registry of one namespace
type Hub struct {
	mu          sync.RWMutex
	connections map[*RendererConnection]struct{}
	registered  map[string]*RendererConnection

	opts       Options
	seq        *IDSequence
	debugLimit *RateLimiter[*RendererConnection]
	logger     zerolog.Logger
}

func New(opts Options) *Hub {
	seq := opts.Sequence
	if seq == nil {
		seq = &IDSequence{}
	}
	if opts.DebugRateLimit <= 0 {
		opts.DebugRateLimit = 100
	}
	return &Hub{
		connections: make(map[*RendererConnection]struct{}),
		registered:  make(map[string]*RendererConnection),
		opts:        opts,
		seq:         seq,
		debugLimit:  NewRateLimiter[*RendererConnection](opts.DebugRateLimit, time.Minute, opts.Now),
		logger:      opts.Logger.With().Str("component", "hub").Logger(),
	}
}

// AddRenderer tracks a freshly accepted socket that has not registered yet
func (h *Hub) AddRenderer(caller Caller) *RendererConnection {
	rc := &RendererConnection{hub: h, caller: caller}

	h.mu.Lock()
	h.connections[rc] = struct{}{}
	h.mu.Unlock()

	return rc
}

// CloseRenderer forgets a connection. The socket itself is left to its owner.
func (h *Hub) CloseRenderer(rc *RendererConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connections, rc)
	h.debugLimit.Forget(rc)
	id := rc.ID()
	if id != "" && h.registered[id] == rc {
		delete(h.registered, id)
		h.logger.Info().Str("renderer_id", id).Msg("Renderer removed")
	}
	rc.mu.Lock()
	rc.registered = false
	rc.mu.Unlock()
}

// ListRenderers returns the info of every registered renderer, ordered by id
func (h *Hub) ListRenderers() []types.RendererInfo {
	h.mu.RLock()
	conns := make([]*RendererConnection, 0, len(h.registered))
	for _, rc := range h.registered {
		conns = append(conns, rc)
	}
	h.mu.RUnlock()

	infos := make([]types.RendererInfo, 0, len(conns))
	for _, rc := range conns {
		if info, ok := rc.Info(); ok {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// GetRendererInstance looks up a registered renderer by id
func (h *Hub) GetRendererInstance(id string) (*RendererConnection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rc, ok := h.registered[id]
	return rc, ok
}

// Renderer is GetRendererInstance with a NotFound error for the API layer
func (h *Hub) Renderer(id string) (*RendererConnection, error) {
	rc, ok := h.GetRendererInstance(id)
	if !ok {
		return nil, types.NotFound("renderer %q not found", id)
	}
	return rc, nil
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connected: len(h.connections), Registered: len(h.registered)}
}

// RefreshAll polls getInfo on every registered renderer
func (h *Hub) RefreshAll(ctx context.Context) error {
	h.mu.RLock()
	conns := make([]*RendererConnection, 0, len(h.registered))
	for _, rc := range h.registered {
		conns = append(conns, rc)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, rc := range conns {
		wg.Add(1)
		go func(i int, rc *RendererConnection) {
			defer wg.Done()
			if _, err := rc.GetInfo(ctx); err != nil {
				errs[i] = fmt.Errorf("renderer %s: %w", rc.ID(), err)
			}
		}(i, rc)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CloseAll closes every socket and empties the hub
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*RendererConnection, 0, len(h.connections))
	for rc := range h.connections {
		conns = append(conns, rc)
	}
	h.connections = make(map[*RendererConnection]struct{})
	h.registered = make(map[string]*RendererConnection)
	h.mu.Unlock()

	for _, rc := range conns {
		if err := rc.caller.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("Failed to close renderer socket")
		}
	}
}

// Handlers is the Renderer to Server method table for one connection
func (h *Hub) Handlers(rc *RendererConnection) rpc.Handlers {
	return rpc.Handlers{
		types.MethodRegister: rpc.Handle(func(_ context.Context, p types.RegisterParams) (types.RegisterResult, error) {
			return h.register(rc, p.Info)
		}),
		types.MethodUnregister: rpc.Handle(func(_ context.Context, _ struct{}) (struct{}, error) {
			h.CloseRenderer(rc)
			return struct{}{}, nil
		}),
		types.MethodOnInfo: rpc.Handle(func(_ context.Context, p types.OnInfoParams) (struct{}, error) {
			if !rc.Registered() {
				return struct{}{}, ErrNotRegistered
			}
			rc.updateInfo(p.Info)
			return struct{}{}, nil
		}),
		types.MethodDebug: rpc.Handle(func(_ context.Context, p types.DebugParams) (struct{}, error) {
			allowed, firstDrop := h.debugLimit.Allow(rc)
			if firstDrop {
				h.logger.Warn().Str("renderer_id", rc.ID()).Int("limit_per_minute", h.opts.DebugRateLimit).Msg("Renderer debug messages suppressed")
			}
			if allowed {
				h.logger.Info().Str("renderer_id", rc.ID()).Str("text", p.Message).Msg("Renderer debug")
			}
			return struct{}{}, nil
		}),
	}
}

func (h *Hub) register(rc *RendererConnection, info types.RendererInfo) (types.RegisterResult, error) {
	var id string
	if info.ID == "" {
		id = fmt.Sprintf("renderer:%d", h.seq.Next())
	} else {
		if !types.IsValidRendererID(info.ID) {
			return types.RegisterResult{}, types.Validation("invalid renderer id %q", info.ID)
		}
		id = "renderer-" + info.ID
	}
	info.ID = id
	if info.Name == "" {
		info.Name = id
	}

	h.mu.Lock()
	if old, ok := h.registered[id]; ok && old != rc {
		delete(h.connections, old)
		old.mu.Lock()
		old.registered = false
		old.mu.Unlock()
		h.logger.Warn().Str("renderer_id", id).Msg("Renderer id re-registered, closing previous connection")
		go func() { _ = old.caller.Close() }()
	}
	if prev := rc.ID(); prev != "" && prev != id && h.registered[prev] == rc {
		delete(h.registered, prev)
	}
	rc.mu.Lock()
	rc.id = id
	rc.info = &info
	rc.registered = true
	rc.mu.Unlock()
	h.registered[id] = rc
	h.connections[rc] = struct{}{}
	h.mu.Unlock()

	h.logger.Info().Str("renderer_id", id).Str("name", info.Name).Msg("Renderer registered")
	h.schedulePoll(rc)

	return types.RegisterResult{RendererID: id}, nil
}

func (h *Hub) schedulePoll(rc *RendererConnection) {
	time.AfterFunc(h.opts.InfoPollDelay, func() {
		if !rc.Registered() {
			return
		}
		if _, err := rc.GetInfo(context.Background()); err != nil {
			h.logger.Debug().Err(err).Str("renderer_id", rc.ID()).Msg("Initial getInfo poll failed")
		}
	})
}
