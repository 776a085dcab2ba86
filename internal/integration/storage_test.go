package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"reflect"
	"testing"
	"time"

	"ografserver/internal/api"
	"ografserver/pkg/types"
)

func resourcePath(namespaceID, graphicID, localPath string) string {
	return Prefix(namespaceID) + api.InternalPrefix + "/graphics/" + graphicID + "/" + localPath
}

func listGraphics(t *testing.T, env *Env, namespaceID string) []types.GraphicSummary {
	t.Helper()
	resp := env.Do(http.MethodGet, Prefix(namespaceID)+api.ControlPrefix+"/graphics", nil, "")
	Expect(t, resp, http.StatusOK)
	var list api.ListGraphicsResponse
	resp.Decode(t, &list)
	return list.Graphics
}

func TestGraphic_ManifestRoundTrip(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	manifest := Manifest("lower-third",
		`"description":"Name and title"`,
		`"author":{"name":"Graphics Desk","email":"desk@example.com"}`,
		`"customActions":[{"id":"highlight","name":"Highlight","schema":{"type":"object"}}]`,
		`"stepCount":2`,
		`"schema":{"type":"object","properties":{"name":{"type":"string"}}}`)

	Expect(t, env.Upload("", map[string]string{
		"pkg/lower-third.ograf.json": manifest,
		"pkg/graphic.mjs":            "export default class {}",
	}), http.StatusOK)

	resp := env.Do(http.MethodGet, api.ControlPrefix+"/graphics/lower-third", nil, "")
	Expect(t, resp, http.StatusOK)
	var info types.GraphicInfo
	resp.Decode(t, &info)

	var uploaded, served map[string]any
	if err := json.Unmarshal([]byte(manifest), &uploaded); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(info.Graphic, &served); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(uploaded, served) {
		t.Errorf("Manifest changed in storage:\nuploaded %v\nserved   %v", uploaded, served)
	}
	if info.Metadata.Author == nil || info.Metadata.Author.Name != "Graphics Desk" {
		t.Errorf("Expected author in metadata, got %+v", info.Metadata)
	}
}

func TestGraphic_ReuploadOverwrites(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	Expect(t, env.Upload("", map[string]string{
		"x.ograf.json": Manifest("x"),
		"graphic.mjs":  "export default 1",
		"old.css":      "h1 {}",
	}), http.StatusOK)
	Expect(t, env.Upload("", map[string]string{
		"x.ograf.json": Manifest("x", `"description":"second"`),
		"graphic.mjs":  "export default 2",
		"new.css":      "h2 {}",
	}), http.StatusOK)

	Expect(t, env.Do(http.MethodGet, resourcePath("", "x", "new.css"), nil, ""), http.StatusOK)
	Expect(t, env.Do(http.MethodGet, resourcePath("", "x", "old.css"), nil, ""), http.StatusNotFound)

	resp := env.Do(http.MethodGet, resourcePath("", "x", "graphic.mjs"), nil, "")
	Expect(t, resp, http.StatusOK)
	if string(resp.Body) != "export default 2" {
		t.Errorf("Expected the second upload's module, got %q", resp.Body)
	}

	graphics := listGraphics(t, env, "")
	if len(graphics) != 1 || graphics[0].Description != "second" {
		t.Errorf("Expected one overwritten graphic, got %+v", graphics)
	}
}

func TestGraphic_SoftDeleteTiming(t *testing.T) {
	env := NewEnv(t, EnvOptions{RemovalGrace: 24 * time.Hour, TTL: 7 * 24 * time.Hour})
	Expect(t, env.Upload("", map[string]string{
		"x.ograf.json": Manifest("x"),
		"graphic.mjs":  "export default class {}",
	}), http.StatusOK)
	ctx := context.Background()

	Expect(t, env.Do(http.MethodDelete, api.ControlPrefix+"/graphics/x", nil, ""), http.StatusOK)

	if graphics := listGraphics(t, env, ""); len(graphics) != 0 {
		t.Errorf("Expected x hidden from the list at once, got %+v", graphics)
	}
	Expect(t, env.Do(http.MethodGet, api.ControlPrefix+"/graphics/x", nil, ""), http.StatusNotFound)
	Expect(t, env.Do(http.MethodGet, resourcePath("", "x", "graphic.mjs"), nil, ""), http.StatusOK)

	env.Clock.Advance(23 * time.Hour)
	if n, err := env.Namespace("").Graphics.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("Sweep before expiry = %d, %v", n, err)
	}
	Expect(t, env.Do(http.MethodGet, resourcePath("", "x", "graphic.mjs"), nil, ""), http.StatusOK)

	env.Clock.Advance(2 * time.Hour)
	if n, err := env.Namespace("").Graphics.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("Sweep after expiry = %d, %v", n, err)
	}
	Expect(t, env.Do(http.MethodGet, resourcePath("", "x", "graphic.mjs"), nil, ""), http.StatusNotFound)
}

func TestGraphic_UploadWithoutManifestLeavesNothing(t *testing.T) {
	env := NewEnv(t, EnvOptions{})
	resp := env.Upload("", map[string]string{
		"readme.txt":        "not a graphic",
		"fake.json":         `{"id":"fake"}`,
		"nested/graphic.js": "export default 1",
	})
	Expect(t, resp, http.StatusBadRequest)

	entries, err := os.ReadDir(env.Namespace("").Graphics.Root())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("Unexpected folder left behind: %s", e.Name())
		}
	}
	if graphics := listGraphics(t, env, ""); len(graphics) != 0 {
		t.Errorf("Expected no graphics, got %+v", graphics)
	}
}
