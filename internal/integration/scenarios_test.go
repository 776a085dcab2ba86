package integration

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"ografserver/internal/api"
	"ografserver/pkg/types"
)

func uploadTwoGraphics(t *testing.T, env *Env, namespaceID string) {
	t.Helper()
	resp := env.Upload(namespaceID, map[string]string{
		"gfx1/gfx1.ograf.json": Manifest("gfx1", `"stepCount":3`),
		"gfx1/graphic.mjs":     "export default class {}",
		"gfx2/gfx2.ograf.json": Manifest("gfx2", `"customActions":[{"id":"highlight","name":"Highlight"}]`),
		"gfx2/graphic.mjs":     "export default class {}",
	})
	Expect(t, resp, http.StatusOK)
}

func loadOn(t *testing.T, env *Env, rendererID, layer, graphicID string) types.LoadGraphicResult {
	t.Helper()
	resp := env.DoJSON(http.MethodPut,
		api.ControlPrefix+"/renderers/"+rendererID+"/target/graphic/load?"+TargetQuery(layer),
		api.LoadRequest{GraphicID: graphicID})
	Expect(t, resp, http.StatusOK)
	var res types.LoadGraphicResult
	resp.Decode(t, &res)
	return res
}

func targetStatus(t *testing.T, env *Env, rendererID, layer string) []types.GraphicInstanceInfo {
	t.Helper()
	resp := env.Do(http.MethodGet, api.ControlPrefix+"/renderers/"+rendererID+"/target?"+TargetQuery(layer), nil, "")
	Expect(t, resp, http.StatusOK)
	var target api.TargetResponse
	resp.Decode(t, &target)
	return target.RenderTarget.GraphicInstances
}

func TestScenario_ConcurrentRegistrationGetsDistinctIDs(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	peers := []*RawRenderer{env.DialRenderer(""), env.DialRenderer("")}

	ids := make([]string, len(peers))
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer *RawRenderer) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var res types.RegisterResult
			errs[i] = peer.Conn.Call(ctx, types.MethodRegister,
				types.RegisterParams{Info: types.RendererInfo{Name: []string{"R1", "R2"}[i]}}, &res)
			ids[i] = res.RendererID
		}(i, peer)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("register %d error = %v", i, err)
		}
	}

	sort.Strings(ids)
	if ids[0] != "renderer:0" || ids[1] != "renderer:1" {
		t.Fatalf("Expected renderer:0 and renderer:1, got %v", ids)
	}

	resp := env.Do(http.MethodGet, api.ControlPrefix+"/renderers", nil, "")
	Expect(t, resp, http.StatusOK)
	var list api.ListRenderersResponse
	resp.Decode(t, &list)
	names := map[string]bool{}
	for _, r := range list.Renderers {
		names[r.Name] = true
	}
	if len(list.Renderers) != 2 || !names["R1"] || !names["R2"] {
		t.Errorf("Expected R1 and R2 listed, got %+v", list.Renderers)
	}
}

func TestScenario_LoadReplacesInstanceOnLayer(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	uploadTwoGraphics(t, env, "")
	rendererID := env.StartRenderer("", "studio", 2).RendererID()

	first := loadOn(t, env, rendererID, "layer-0", "gfx1")
	second := loadOn(t, env, rendererID, "layer-0", "gfx2")
	if first.GraphicInstanceID != "i1" {
		t.Errorf("Expected first instance i1, got %q", first.GraphicInstanceID)
	}
	if second.GraphicInstanceID == first.GraphicInstanceID {
		t.Fatalf("Second load reused instance id %q", second.GraphicInstanceID)
	}

	instances := targetStatus(t, env, rendererID, "layer-0")
	if len(instances) != 1 {
		t.Fatalf("Expected exactly one instance on layer-0, got %+v", instances)
	}
	if instances[0].GraphicID != "gfx2" || instances[0].ID != second.GraphicInstanceID {
		t.Errorf("Expected gfx2/%s, got %+v", second.GraphicInstanceID, instances[0])
	}
}

func TestScenario_ClearWithoutFiltersClearsEveryLayer(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	uploadTwoGraphics(t, env, "")
	rendererID := env.StartRenderer("", "studio", 3).RendererID()

	a := loadOn(t, env, rendererID, "layer-0", "gfx1")
	b := loadOn(t, env, rendererID, "layer-2", "gfx2")

	resp := env.DoJSON(http.MethodPut, api.ControlPrefix+"/renderers/"+rendererID+"/target/graphic/clear", map[string]any{})
	Expect(t, resp, http.StatusOK)
	var cleared api.ClearResponse
	resp.Decode(t, &cleared)

	got := map[string]string{}
	for _, inst := range cleared.GraphicInstances {
		got[inst.ID] = inst.GraphicID
	}
	if len(cleared.GraphicInstances) != 2 || got[a.GraphicInstanceID] != "gfx1" || got[b.GraphicInstanceID] != "gfx2" {
		t.Errorf("Expected both instances cleared, got %+v", cleared.GraphicInstances)
	}
	for _, layer := range []string{"layer-0", "layer-1", "layer-2"} {
		if instances := targetStatus(t, env, rendererID, layer); len(instances) != 0 {
			t.Errorf("Expected %s empty, got %+v", layer, instances)
		}
	}
}

func TestScenario_StaleInstanceActionFails(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	uploadTwoGraphics(t, env, "")
	rendererID := env.StartRenderer("", "studio", 1).RendererID()
	loaded := loadOn(t, env, rendererID, "layer-0", "gfx1")

	action := func(kind, instanceID, body string) Response {
		path := api.ControlPrefix + "/renderers/" + rendererID + "/target/graphic/" + kind +
			"?" + TargetQuery("layer-0") + "&graphicInstanceId=" + instanceID
		return env.Do(http.MethodPost, path, strings.NewReader(body), "application/json")
	}

	resp := action("play", "i99", `{"delta":1}`)
	Expect(t, resp, http.StatusNotFound)
	var apiErr api.ErrorResponse
	resp.Decode(t, &apiErr)
	if !strings.Contains(apiErr.Message, "no matching instance") {
		t.Errorf("Expected a no matching instance error, got %q", apiErr.Message)
	}

	// The renderer is still connected and serving
	resp = action("play", loaded.GraphicInstanceID, `{"delta":1}`)
	Expect(t, resp, http.StatusOK)
	var played types.GraphicActionResult
	resp.Decode(t, &played)
	if played.Result.CurrentStep == nil || *played.Result.CurrentStep != 1 {
		t.Errorf("Expected step 1, got %+v", played.Result)
	}
}

func TestControl_GraphicAndRendererActions(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	uploadTwoGraphics(t, env, "")
	rendererID := env.StartRenderer("", "studio", 2).RendererID()
	loaded := loadOn(t, env, rendererID, "layer-1", "gfx2")

	base := api.ControlPrefix + "/renderers/" + rendererID
	action := func(kind, body string) Response {
		path := base + "/target/graphic/" + kind + "?" + TargetQuery("layer-1") + "&graphicInstanceId=" + loaded.GraphicInstanceID
		return env.Do(http.MethodPost, path, strings.NewReader(body), "application/json")
	}

	Expect(t, action("update", `{"data":{"title":"Breaking news"}}`), http.StatusOK)
	Expect(t, action("custom", `{"id":"highlight"}`), http.StatusOK)
	Expect(t, action("stop", ``), http.StatusOK)
	Expect(t, action("custom", `{"id":"sparkle"}`), types.KindGraphicInstance.StatusCode())
	Expect(t, action("rewind", ``), http.StatusNotFound)

	resp := env.Do(http.MethodGet, base, nil, "")
	Expect(t, resp, http.StatusOK)
	var info api.RendererResponse
	resp.Decode(t, &info)
	if info.Renderer.Name != "Renderer studio" || len(info.Renderer.CustomActions) == 0 {
		t.Errorf("Unexpected renderer info %+v", info.Renderer)
	}

	resp = env.DoJSON(http.MethodPost, base+"/customActions/clearAll", nil)
	Expect(t, resp, http.StatusOK)
	if instances := targetStatus(t, env, rendererID, "layer-1"); len(instances) != 0 {
		t.Errorf("Expected clearAll to empty layer-1, got %+v", instances)
	}
}

func TestControl_LoadUnknownGraphicOrTarget(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	uploadTwoGraphics(t, env, "")
	rendererID := env.StartRenderer("", "studio", 1).RendererID()

	resp := env.DoJSON(http.MethodPut,
		api.ControlPrefix+"/renderers/"+rendererID+"/target/graphic/load?"+TargetQuery("layer-0"),
		api.LoadRequest{GraphicID: "missing"})
	Expect(t, resp, http.StatusNotFound)

	resp = env.DoJSON(http.MethodPut,
		api.ControlPrefix+"/renderers/"+rendererID+"/target/graphic/load?"+TargetQuery("layer-7"),
		api.LoadRequest{GraphicID: "gfx1"})
	Expect(t, resp, http.StatusNotFound)

	resp = env.DoJSON(http.MethodPut,
		api.ControlPrefix+"/renderers/renderer-nobody/target/graphic/load?"+TargetQuery("layer-0"),
		api.LoadRequest{GraphicID: "gfx1"})
	Expect(t, resp, http.StatusNotFound)
}

func TestControl_RendererWithFreeFormID(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	uploadTwoGraphics(t, env, "")
	rendererID := env.StartRenderer("", "Studio A", 1).RendererID()
	if rendererID != "renderer-Studio A" {
		t.Fatalf("Unexpected renderer id %q", rendererID)
	}

	base := api.ControlPrefix + "/renderers/" + url.PathEscape(rendererID)
	resp := env.Do(http.MethodGet, base, nil, "")
	Expect(t, resp, http.StatusOK)
	var info api.RendererResponse
	resp.Decode(t, &info)
	if info.Renderer.ID != rendererID {
		t.Errorf("Expected renderer %q, got %+v", rendererID, info.Renderer)
	}

	resp = env.DoJSON(http.MethodPut, base+"/target/graphic/load?"+TargetQuery("layer-0"), api.LoadRequest{GraphicID: "gfx1"})
	Expect(t, resp, http.StatusOK)
}
