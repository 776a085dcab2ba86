// Package renderer is a headless renderer: it hosts graphic instances on layers
// and answers the server's control calls.
package renderer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"ografserver/internal/config"
	"ografserver/internal/rpc"
	"ografserver/internal/supervisor"
	"ografserver/pkg/types"
)

// Renderer-level custom actions
const (
	ActionClearAll       = "clearAll"
	ActionReloadPackages = "reloadPackages"
)

var rendererActions = []types.ActionInfo{
	{ID: ActionClearAll, Name: "Clear all", Description: "Clear the graphics on every layer"},
	{ID: ActionReloadPackages, Name: "Reload packages", Description: "Fetch graphic manifests again on next load"},
}

// Renderer ties layers, packages and output measurements together
type Renderer struct {
	cfg      *config.RendererConfig
	layers   *LayersManager
	packages *PackageCache
	fps      *FrameRateEstimator
	probe    *ReachabilityProbe
	logger   zerolog.Logger

	mu             sync.Mutex
	onStatusChange func()
	cancel         context.CancelFunc
}

// New builds a renderer. source defaults to the server's resource endpoint and
// catalog to one that runs every package headless.
func New(cfg *config.RendererConfig, source ManifestSource, catalog *Catalog, logger zerolog.Logger) *Renderer {
	logger = logger.With().Str("component", "renderer").Logger()
	if source == nil {
		source = NewHTTPManifestSource(cfg.ServerURL, cfg.Namespace, nil)
	}
	if catalog == nil {
		catalog = NewCatalog(nil)
	}

	r := &Renderer{
		cfg:      cfg,
		packages: NewPackageCache(source, catalog, NewElementRegistry()),
		fps:      &FrameRateEstimator{},
		probe:    NewReachabilityProbe(cfg.ProbeURL, cfg.ProbeInterval, nil, logger),
		logger:   logger,
	}
	chars := &outputCharacteristics{
		resolution: types.Resolution{Width: cfg.Width, Height: cfg.Height},
		fps:        r.fps,
		probe:      r.probe,
	}
	r.layers = NewLayersManager(cfg.Layers, r.packages, chars, logger)
	r.probe.OnChange(func(bool) { r.statusChanged() })
	return r
}

// Layers exposes the layer manager
func (r *Renderer) Layers() *LayersManager {
	return r.layers
}

// Start runs the frame clock and the reachability probe until Stop
func (r *Renderer) Start(ctx context.Context, hook supervisor.Hook) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	if r.cfg.FrameInterval > 0 {
		go r.fps.Run(ctx, r.cfg.FrameInterval)
	}
	if r.cfg.ProbeInterval > 0 && r.cfg.ProbeURL != "" {
		r.probe.Start(ctx, hook)
	}
}

func (r *Renderer) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.probe.Stop()
}

// OnStatusChange registers fn to run when the reported status changes
func (r *Renderer) OnStatusChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatusChange = fn
}

func (r *Renderer) statusChanged() {
	r.mu.Lock()
	fn := r.onStatusChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Info describes this renderer for register, onInfo and getInfo
func (r *Renderer) Info() types.RendererInfo {
	active := r.layers.ActiveCount()
	return types.RendererInfo{
		ID:                 r.cfg.ID,
		Name:               r.cfg.Name,
		Description:        r.cfg.Description,
		CustomActions:      rendererActions,
		RenderTargetSchema: r.layers.TargetSchema(),
		Status: &types.RendererStatus{
			Message:                fmt.Sprintf("%d of %d layers active", active, r.cfg.Layers),
			FrameRate:              r.fps.FPS(),
			AccessToPublicInternet: r.probe.Reachable(),
			Layers:                 r.cfg.Layers,
		},
	}
}

// InvokeRendererAction runs a renderer-level custom action
func (r *Renderer) InvokeRendererAction(ctx context.Context, action types.RendererAction) (types.InvokeRendererActionResult, error) {
	switch action.ID {
	case ActionClearAll:
		cleared, err := r.layers.ClearGraphics(ctx, nil)
		if err != nil {
			return types.InvokeRendererActionResult{}, err
		}
		value, _ := json.Marshal(map[string]int{"cleared": len(cleared)})
		return types.InvokeRendererActionResult{Value: value}, nil
	case ActionReloadPackages:
		r.packages.Reset()
		r.logger.Info().Msg("Package cache cleared")
		return types.InvokeRendererActionResult{}, nil
	default:
		return types.InvokeRendererActionResult{}, types.NotFound("renderer action %q not found", action.ID)
	}
}

// Handlers is the Server to Renderer method table
func (r *Renderer) Handlers() rpc.Handlers {
	action := func(kind string) rpc.HandlerFunc {
		return rpc.Handle(func(ctx context.Context, p types.GraphicActionParams) (types.GraphicActionResult, error) {
			return r.layers.InvokeAction(ctx, kind, p.RenderTarget, p.GraphicInstanceID, p.Params)
		})
	}

	return rpc.Handlers{
		types.MethodGetInfo: rpc.Handle(func(context.Context, struct{}) (types.GetInfoResult, error) {
			return types.GetInfoResult{RendererInfo: r.Info()}, nil
		}),
		types.MethodGetTargetStatus: rpc.Handle(func(_ context.Context, p types.GetTargetStatusParams) (types.GetTargetStatusResult, error) {
			info, err := r.layers.TargetStatus(p.RenderTarget)
			return types.GetTargetStatusResult{RenderTargetInfo: info}, err
		}),
		types.MethodInvokeRendererAction: rpc.Handle(func(ctx context.Context, p types.InvokeRendererActionParams) (types.InvokeRendererActionResult, error) {
			return r.InvokeRendererAction(ctx, p.Action)
		}),
		types.MethodLoadGraphic: rpc.Handle(func(ctx context.Context, p types.LoadGraphicParams) (types.LoadGraphicResult, error) {
			if !types.IsValidGraphicID(p.GraphicID) {
				return types.LoadGraphicResult{}, types.Validation("invalid graphic id %q", p.GraphicID)
			}
			return r.layers.LoadGraphic(ctx, p.RenderTarget, p.GraphicID, p.Params.Data)
		}),
		types.MethodClearGraphic: rpc.Handle(func(ctx context.Context, p types.ClearGraphicParams) (types.ClearGraphicResult, error) {
			cleared, err := r.layers.ClearGraphics(ctx, p.Filters)
			return types.ClearGraphicResult{GraphicInstances: cleared}, err
		}),
		types.MethodInvokeGraphicUpdateAction: action(types.ActionUpdate),
		types.MethodInvokeGraphicPlayAction:   action(types.ActionPlay),
		types.MethodInvokeGraphicStopAction:   action(types.ActionStop),
		types.MethodInvokeGraphicCustomAction: action(types.ActionCustom),
	}
}
