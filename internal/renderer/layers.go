package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"ografserver/pkg/types"
)

// LayerTarget is the render target understood by this renderer
type LayerTarget struct {
	LayerID string `json:"layerId"`
}

// LayerName is the id of the n-th layer
func LayerName(n int) string {
	return fmt.Sprintf("layer-%d", n)
}

type instance struct {
	id        string
	graphicID string
	graphic   Graphic
	manifest  *types.GraphicManifest
}

func (in *instance) info(layer string) types.GraphicInstanceInfo {
	target, _ := json.Marshal(LayerTarget{LayerID: layer})
	return types.GraphicInstanceInfo{ID: in.id, GraphicID: in.graphicID, RenderTarget: target}
}

// LayerHandler owns one render target. Its mutex is held for the whole of a
// load or clear, so those never overlap on a layer.
type LayerHandler struct {
	name string

	mu      sync.Mutex
	current *instance
}

func (l *LayerHandler) Name() string {
	return l.name
}

// snapshot returns the current instance if it has the given id
func (l *LayerHandler) snapshot(instanceID string) (*instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.id != instanceID {
		return nil, false
	}
	return l.current, true
}

// Characteristics reports what graphics are told about the output
type Characteristics interface {
	RenderCharacteristics() types.RenderCharacteristics
}

// LayersManager enforces at most one graphic instance per layer
type LayersManager struct {
	layers   []*LayerHandler
	byName   map[string]*LayerHandler
	packages *PackageCache
	chars    Characteristics
	nextID   atomic.Uint64
	logger   zerolog.Logger
}

func NewLayersManager(count int, packages *PackageCache, chars Characteristics, logger zerolog.Logger) *LayersManager {
	m := &LayersManager{
		byName:   make(map[string]*LayerHandler, count),
		packages: packages,
		chars:    chars,
		logger:   logger.With().Str("component", "layers").Logger(),
	}
	for i := 0; i < count; i++ {
		l := &LayerHandler{name: LayerName(i)}
		m.layers = append(m.layers, l)
		m.byName[l.name] = l
	}
	return m
}

// Names lists the layer ids in order
func (m *LayersManager) Names() []string {
	names := make([]string, len(m.layers))
	for i, l := range m.layers {
		names[i] = l.name
	}
	return names
}

// TargetSchema is the JSON schema of a render target of this renderer
func (m *LayersManager) TargetSchema() json.RawMessage {
	schema := map[string]any{
		"type":     "object",
		"required": []string{"layerId"},
		"properties": map[string]any{
			"layerId": map[string]any{"type": "string", "enum": m.Names()},
		},
	}
	data, _ := json.Marshal(schema)
	return data
}

// Layer resolves a render target
func (m *LayersManager) Layer(renderTarget json.RawMessage) (*LayerHandler, error) {
	var target LayerTarget
	if err := json.Unmarshal(renderTarget, &target); err != nil {
		return nil, types.Validation("invalid render target: %v", err)
	}
	l, ok := m.byName[target.LayerID]
	if !ok {
		return nil, types.NotFound("%v: %q", ErrUnknownLayer, target.LayerID)
	}
	return l, nil
}

// LoadGraphic disposes whatever plays on the layer, then loads a new instance of graphicID
func (m *LayersManager) LoadGraphic(ctx context.Context, renderTarget json.RawMessage, graphicID string, data json.RawMessage) (types.LoadGraphicResult, error) {
	layer, err := m.Layer(renderTarget)
	if err != nil {
		return types.LoadGraphicResult{}, err
	}
	pkg, err := m.packages.Get(ctx, graphicID)
	if err != nil {
		return types.LoadGraphicResult{}, err
	}

	layer.mu.Lock()
	defer layer.mu.Unlock()

	m.disposeLocked(ctx, layer)

	graphic, err := pkg.Factory(pkg.Manifest)
	if err != nil {
		return types.LoadGraphicResult{}, types.GraphicFailure(err, "failed to create graphic %s", graphicID)
	}
	id := fmt.Sprintf("i%d", m.nextID.Add(1))
	params := types.LoadParams{
		RenderType:            "realtime",
		RenderCharacteristics: m.chars.RenderCharacteristics(),
		Data:                  data,
	}
	result, err := graphic.Load(ctx, params)
	if err != nil {
		// a half-loaded graphic is never left on the layer
		if _, derr := graphic.Dispose(ctx); derr != nil {
			m.logger.Debug().Err(derr).Str("graphic_id", graphicID).Msg("Dispose after failed load failed")
		}
		return types.LoadGraphicResult{}, types.GraphicFailure(err, "graphic %s failed to load", graphicID)
	}

	layer.current = &instance{id: id, graphicID: graphicID, graphic: graphic, manifest: pkg.Manifest}
	m.logger.Info().Str("layer", layer.name).Str("graphic_id", graphicID).Str("instance_id", id).Msg("Graphic loaded")
	return types.LoadGraphicResult{GraphicInstanceID: id, Result: result.WithDefaults()}, nil
}

// disposeLocked removes the current instance. Dispose errors are logged; the
// layer is empty afterwards either way.
func (m *LayersManager) disposeLocked(ctx context.Context, layer *LayerHandler) *instance {
	current := layer.current
	if current == nil {
		return nil
	}
	layer.current = nil
	if _, err := current.graphic.Dispose(ctx); err != nil {
		m.logger.Warn().Err(err).Str("layer", layer.name).Str("instance_id", current.id).Msg("Graphic failed to dispose")
	}
	return current
}

// ClearGraphics disposes every instance matching filters; nil filters clear every layer
func (m *LayersManager) ClearGraphics(ctx context.Context, filters *types.ClearFilters) ([]types.GraphicInstanceInfo, error) {
	var f types.ClearFilters
	if filters != nil {
		f = *filters
	}

	layers := m.layers
	if !anyTarget(f.RenderTarget) {
		l, err := m.Layer(f.RenderTarget)
		if err != nil {
			return nil, err
		}
		layers = []*LayerHandler{l}
	}

	cleared := []types.GraphicInstanceInfo{}
	for _, layer := range layers {
		layer.mu.Lock()
		current := layer.current
		if current != nil &&
			(f.GraphicID == "" || f.GraphicID == current.graphicID) &&
			(f.GraphicInstanceID == "" || f.GraphicInstanceID == current.id) {
			m.disposeLocked(ctx, layer)
			cleared = append(cleared, current.info(layer.name))
		}
		layer.mu.Unlock()
	}
	return cleared, nil
}

// anyTarget reports whether a render target filter is absent: missing, null or {}
func anyTarget(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	return json.Unmarshal(raw, &fields) == nil && len(fields) == 0
}

// TargetStatus lists the instance on a layer (zero or one)
func (m *LayersManager) TargetStatus(renderTarget json.RawMessage) (types.RenderTargetInfo, error) {
	layer, err := m.Layer(renderTarget)
	if err != nil {
		return types.RenderTargetInfo{}, err
	}
	layer.mu.Lock()
	defer layer.mu.Unlock()

	info := types.RenderTargetInfo{GraphicInstances: []types.GraphicInstanceInfo{}}
	if layer.current != nil {
		info.GraphicInstances = append(info.GraphicInstances, layer.current.info(layer.name))
	}
	return info, nil
}

// ActiveCount is the number of occupied layers
func (m *LayersManager) ActiveCount() int {
	n := 0
	for _, layer := range m.layers {
		layer.mu.Lock()
		if layer.current != nil {
			n++
		}
		layer.mu.Unlock()
	}
	return n
}

// InvokeAction runs an update, play, stop or custom action on the instance of
// a layer. The layer is not held while the graphic works; if the instance was
// replaced meanwhile the call fails with no matching instance.
func (m *LayersManager) InvokeAction(ctx context.Context, kind string, renderTarget json.RawMessage, instanceID string, params json.RawMessage) (types.GraphicActionResult, error) {
	layer, err := m.Layer(renderTarget)
	if err != nil {
		return types.GraphicActionResult{}, err
	}
	in, ok := layer.snapshot(instanceID)
	if !ok {
		return types.GraphicActionResult{}, types.NotFound("%v: %s on %s", ErrNoMatchingInstance, instanceID, layer.name)
	}

	result, err := invoke(ctx, in.graphic, kind, params)
	if err != nil {
		return types.GraphicActionResult{}, err
	}
	if _, ok := layer.snapshot(instanceID); !ok {
		return types.GraphicActionResult{}, types.NotFound("%v: %s on %s", ErrNoMatchingInstance, instanceID, layer.name)
	}

	if kind == types.ActionPlay && result.CurrentStep == nil {
		step := 1
		result.CurrentStep = &step
	}
	return types.GraphicActionResult{GraphicInstanceID: instanceID, Result: result.WithDefaults()}, nil
}

func invoke(ctx context.Context, g Graphic, kind string, params json.RawMessage) (types.ActionResult, error) {
	var (
		result types.ActionResult
		err    error
	)
	switch kind {
	case types.ActionUpdate:
		var p struct {
			Data json.RawMessage `json:"data"`
		}
		if err := decodeParams(params, &p); err != nil {
			return result, err
		}
		result, err = g.UpdateAction(ctx, p.Data)
	case types.ActionPlay:
		p := types.PlayActionParams{Delta: 1}
		if err := decodeParams(params, &p); err != nil {
			return result, err
		}
		result, err = g.PlayAction(ctx, p)
	case types.ActionStop:
		result, err = g.StopAction(ctx, params)
	case types.ActionCustom:
		var p types.CustomActionParams
		if err := decodeParams(params, &p); err != nil {
			return result, err
		}
		if p.ID == "" {
			return result, types.Validation("custom action id is required")
		}
		result, err = g.CustomAction(ctx, p)
	default:
		return result, types.Validation("unknown action kind %q", kind)
	}
	if err != nil {
		return result, types.GraphicFailure(err, "graphic %s failed", kind)
	}
	return result, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return types.Validation("invalid action params: %v", err)
	}
	return nil
}
