// Package namespace builds and caches the per-tenant graphics store and renderer hub.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"ografserver/internal/database"
	"ografserver/internal/graphics"
	"ografserver/internal/hub"
	"ografserver/internal/supervisor"
	dbconfig "ografserver/pkg/database"
)

// Namespace is one tenant: its graphics, its renderers and their background upkeep
type Namespace struct {
	ID       string
	Graphics *graphics.Store
	Hub      *hub.Hub

	index  *database.Manager
	tasks  []*supervisor.Task
	logger zerolog.Logger

	destroyOnce sync.Once
	destroyErr  error
}

// Destroy stops background tasks, drops every renderer socket and closes the index.
// Only the first call does any work.
func (ns *Namespace) Destroy() error {
	ns.destroyOnce.Do(func() {
		for _, task := range ns.tasks {
			task.Stop()
		}
		ns.Hub.CloseAll()
		if err := ns.index.Close(); err != nil {
			ns.destroyErr = fmt.Errorf("failed to close index of namespace %s: %w", ns.ID, err)
		}
		ns.logger.Info().Msg("Namespace destroyed")
	})
	return ns.destroyErr
}

// HealthCheck checks the namespace's index
func (ns *Namespace) HealthCheck(ctx context.Context) error {
	return ns.index.HealthCheck(ctx)
}

func (r *Registry) build(id string) (*Namespace, error) {
	root := r.graphicsPath(id)
	logger := r.logger.With().Str("namespace_id", id).Logger()

	index, err := database.NewManager(dbconfig.ForStorageRoot(root), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open index of namespace %s: %w", id, err)
	}

	ctx := context.Background()
	store, err := graphics.Open(ctx, graphics.Options{
		Root:         root,
		Index:        index,
		RemovalGrace: r.opts.RemovalGrace,
		Logger:       logger,
		Now:          r.opts.Now,
	})
	if err != nil {
		return nil, errors.Join(err, index.Close())
	}

	hubOpts := r.opts.Hub
	hubOpts.Logger = logger
	ns := &Namespace{
		ID:       id,
		Graphics: store,
		Hub:      hub.New(hubOpts),
		index:    index,
		logger:   logger,
	}

	if r.opts.SweepInterval > 0 {
		sweep := supervisor.NewTask("graphics-sweep:"+id, r.opts.SweepInterval, func(ctx context.Context) error {
			_, err := store.Sweep(ctx)
			return err
		}, logger, r.opts.Hook)
		sweep.Start(ctx, false)
		ns.tasks = append(ns.tasks, sweep)
	}
	if r.opts.InfoPollInterval > 0 {
		poll := supervisor.NewTask("renderer-poll:"+id, r.opts.InfoPollInterval, ns.Hub.RefreshAll, logger, r.opts.Hook)
		poll.Start(ctx, false)
		ns.tasks = append(ns.tasks, poll)
	}

	logger.Info().Str("graphics_root", root).Msg("Namespace loaded")
	return ns, nil
}
