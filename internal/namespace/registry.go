package namespace

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/accounts"
	"ografserver/internal/cache"
	"ografserver/internal/hub"
	"ografserver/internal/supervisor"
	"ografserver/pkg/types"
)

type Options struct {
	// DefaultGraphicsPath is the graphics root of the "default" namespace
	DefaultGraphicsPath string
	// Accounts enables multi-tenancy; nil coerces every request onto "default"
	Accounts         *accounts.Store
	TTL              time.Duration
	CleanupInterval  time.Duration
	RemovalGrace     time.Duration
	SweepInterval    time.Duration
	InfoPollInterval time.Duration
	Hub              hub.Options
	Hook             supervisor.Hook
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Registry lazily builds namespaces and evicts the ones left idle for the TTL
type Registry struct {
	opts   Options
	cache  *cache.Cache[string, *Namespace]
	logger zerolog.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = 12 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub.Sequence == nil {
		opts.Hub.Sequence = &hub.IDSequence{}
	}

	r := &Registry{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "namespaces").Logger(),
	}
	r.cache = cache.New[string, *Namespace](opts.TTL,
		cache.WithOnRemove(func(id string, ns *Namespace) {
			if err := ns.Destroy(); err != nil {
				r.logger.Error().Err(err).Str("namespace_id", id).Msg("Failed to destroy namespace")
			}
		}),
		cache.WithRefreshOnGet[string, *Namespace](true),
		cache.WithClock[string, *Namespace](opts.Now),
	)
	return r
}

// MultiTenant reports whether requests may address namespaces other than "default"
func (r *Registry) MultiTenant() bool {
	return r.opts.Accounts != nil
}

// Accounts is the account store, nil in single-tenant mode
func (r *Registry) Accounts() *accounts.Store {
	return r.opts.Accounts
}

// Resolve maps a requested namespace id onto a live namespace. An empty id, or
// any id in single-tenant mode, is the default namespace. Other ids must belong
// to an account, which is touched.
func (r *Registry) Resolve(requested string) (*Namespace, error) {
	id := types.DefaultNamespaceID
	if r.MultiTenant() && requested != "" && requested != types.DefaultNamespaceID {
		if _, err := r.opts.Accounts.GetAccount(requested); err != nil {
			return nil, err
		}
		if err := r.opts.Accounts.TouchAccount(requested); err != nil {
			r.logger.Warn().Err(err).Str("namespace_id", requested).Msg("Failed to touch account")
		}
		id = requested
	}
	return r.Get(id)
}

// Get returns the cached namespace or builds it. Concurrent callers share one build.
func (r *Registry) Get(id string) (*Namespace, error) {
	return r.cache.GetOrCreate(id, func() (*Namespace, error) {
		return r.build(id)
	})
}

// Touch pushes back the eviction of a loaded namespace
func (r *Registry) Touch(id string) {
	r.cache.Get(id)
}

// Cleanup evicts every namespace idle for longer than the TTL
func (r *Registry) Cleanup() int {
	return r.cache.Cleanup()
}

// StartJanitor evicts idle namespaces every cleanup interval until ctx ends
func (r *Registry) StartJanitor(ctx context.Context) {
	if r.opts.CleanupInterval > 0 {
		r.cache.StartJanitor(ctx, r.opts.CleanupInterval)
	}
}

// Len is the number of loaded namespaces
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close destroys every loaded namespace
func (r *Registry) Close() {
	r.cache.Clear()
}

func (r *Registry) graphicsPath(id string) string {
	if id == types.DefaultNamespaceID || r.opts.Accounts == nil {
		return r.opts.DefaultGraphicsPath
	}
	return r.opts.Accounts.GraphicsPath(id)
}
