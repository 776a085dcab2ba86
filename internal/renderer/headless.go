package renderer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"ografserver/pkg/types"
)

// HeadlessState is a snapshot of what a headless graphic was told to do
type HeadlessState struct {
	Loaded   bool
	Disposed bool
	Playing  bool
	Step     int
	Data     json.RawMessage
	Render   types.RenderCharacteristics
	Actions  []string
}

// HeadlessGraphic plays a package without drawing anything. It keeps the
// state a visual graphic would have so controllers can be driven end to end.
type HeadlessGraphic struct {
	manifest *types.GraphicManifest

	mu    sync.Mutex
	state HeadlessState
}

// NewHeadlessGraphic is a GraphicFactory
func NewHeadlessGraphic(manifest *types.GraphicManifest) (Graphic, error) {
	return &HeadlessGraphic{manifest: manifest}, nil
}

func (g *HeadlessGraphic) State() HeadlessState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	s.Actions = append([]string(nil), g.state.Actions...)
	return s
}

func (g *HeadlessGraphic) Load(_ context.Context, params types.LoadParams) (types.ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Loaded = true
	g.state.Data = params.Data
	g.state.Render = params.RenderCharacteristics
	return types.ActionResult{StatusCode: 200}, nil
}

func (g *HeadlessGraphic) Dispose(context.Context) (types.ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Disposed = true
	g.state.Playing = false
	return types.ActionResult{StatusCode: 200}, nil
}

func (g *HeadlessGraphic) UpdateAction(_ context.Context, data json.RawMessage) (types.ActionResult, error) {
	if len(data) > 0 && !json.Valid(data) {
		return types.ActionResult{}, fmt.Errorf("update data is not valid JSON")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Data = data
	return types.ActionResult{StatusCode: 200}, nil
}

func (g *HeadlessGraphic) PlayAction(_ context.Context, params types.PlayActionParams) (types.ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.Playing = true
	if params.GoTo != nil {
		g.state.Step = *params.GoTo
	} else {
		g.state.Step += params.Delta
	}
	if g.manifest.StepCount == nil {
		return types.ActionResult{StatusCode: 200}, nil
	}
	if last := *g.manifest.StepCount - 1; g.state.Step > last {
		g.state.Step = last
	}
	if g.state.Step < 0 {
		g.state.Step = 0
	}
	step := g.state.Step
	return types.ActionResult{StatusCode: 200, CurrentStep: &step}, nil
}

func (g *HeadlessGraphic) StopAction(context.Context, json.RawMessage) (types.ActionResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Playing = false
	return types.ActionResult{StatusCode: 200}, nil
}

func (g *HeadlessGraphic) CustomAction(_ context.Context, params types.CustomActionParams) (types.ActionResult, error) {
	declared := false
	for _, a := range g.manifest.CustomActions {
		if a.ID == params.ID {
			declared = true
			break
		}
	}
	if !declared {
		return types.ActionResult{}, fmt.Errorf("graphic %s has no custom action %q", g.manifest.ID, params.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Actions = append(g.state.Actions, params.ID)
	return types.ActionResult{StatusCode: 200}, nil
}
