package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ografserver/pkg/types"
)

// RendererConnection is one renderer socket as seen by the server
type RendererConnection struct {
	hub    *Hub
	caller Caller

	mu         sync.RWMutex
	id         string
	info       *types.RendererInfo
	registered bool
}

// ID is empty until the renderer registers
func (rc *RendererConnection) ID() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.id
}

func (rc *RendererConnection) Registered() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.registered
}

// Info returns a copy of the latest known info
func (rc *RendererConnection) Info() (types.RendererInfo, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.info == nil {
		return types.RendererInfo{}, false
	}
	return *rc.info, true
}

// updateInfo stores info reported by the renderer, keeping the id assigned at registration
func (rc *RendererConnection) updateInfo(info types.RendererInfo) types.RendererInfo {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	info.ID = rc.id
	if info.Name == "" {
		if rc.info != nil && rc.info.Name != "" {
			info.Name = rc.info.Name
		} else {
			info.Name = rc.id
		}
	}
	rc.info = &info
	return info
}

func (rc *RendererConnection) call(ctx context.Context, method string, params, result any) error {
	if timeout := rc.hub.opts.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := rc.caller.Call(ctx, method, params, result); err != nil {
		return fmt.Errorf("renderer %s %s: %w", rc.ID(), method, err)
	}
	return nil
}

// GetInfo polls the renderer and refreshes the cached info
func (rc *RendererConnection) GetInfo(ctx context.Context) (types.RendererInfo, error) {
	var res types.GetInfoResult
	if err := rc.call(ctx, types.MethodGetInfo, struct{}{}, &res); err != nil {
		return types.RendererInfo{}, err
	}
	return rc.updateInfo(res.RendererInfo), nil
}

func (rc *RendererConnection) GetTargetStatus(ctx context.Context, renderTarget json.RawMessage) (types.RenderTargetInfo, error) {
	var res types.GetTargetStatusResult
	err := rc.call(ctx, types.MethodGetTargetStatus, types.GetTargetStatusParams{RenderTarget: renderTarget}, &res)
	if res.RenderTargetInfo.GraphicInstances == nil {
		res.RenderTargetInfo.GraphicInstances = []types.GraphicInstanceInfo{}
	}
	return res.RenderTargetInfo, err
}

func (rc *RendererConnection) InvokeRendererAction(ctx context.Context, action types.RendererAction) (types.InvokeRendererActionResult, error) {
	var res types.InvokeRendererActionResult
	err := rc.call(ctx, types.MethodInvokeRendererAction, types.InvokeRendererActionParams{Action: action}, &res)
	return res, err
}

func (rc *RendererConnection) LoadGraphic(ctx context.Context, renderTarget json.RawMessage, graphicID string, data json.RawMessage) (types.LoadGraphicResult, error) {
	params := types.LoadGraphicParams{
		RenderTarget: renderTarget,
		GraphicID:    graphicID,
		Params:       types.LoadGraphicData{Data: data},
	}
	var res types.LoadGraphicResult
	if err := rc.call(ctx, types.MethodLoadGraphic, params, &res); err != nil {
		return res, err
	}
	res.Result = res.Result.WithDefaults()
	return res, nil
}

func (rc *RendererConnection) ClearGraphic(ctx context.Context, filters *types.ClearFilters) (types.ClearGraphicResult, error) {
	var res types.ClearGraphicResult
	err := rc.call(ctx, types.MethodClearGraphic, types.ClearGraphicParams{Filters: filters}, &res)
	if res.GraphicInstances == nil {
		res.GraphicInstances = []types.GraphicInstanceInfo{}
	}
	return res, err
}

// InvokeGraphicAction forwards an updateAction, playAction, stopAction or customAction
func (rc *RendererConnection) InvokeGraphicAction(ctx context.Context, kind string, renderTarget json.RawMessage, graphicInstanceID string, params json.RawMessage) (types.GraphicActionResult, error) {
	method, ok := types.GraphicActionMethod(kind)
	if !ok {
		return types.GraphicActionResult{}, fmt.Errorf("%w: %s", ErrUnknownActionKind, kind)
	}
	req := types.GraphicActionParams{
		RenderTarget:      renderTarget,
		GraphicInstanceID: graphicInstanceID,
		Params:            params,
	}
	var res types.GraphicActionResult
	if err := rc.call(ctx, method, req, &res); err != nil {
		return res, err
	}
	res.Result = res.Result.WithDefaults()
	return res, nil
}
