package types

import (
	"encoding/json"
	"time"
)

// Graphic manifest JSON-schema URL. An uploaded JSON file is only treated as a
// manifest when its "$schema" field equals this string.
const GraphicManifestSchemaURL = "https://ograf.ebu.io/v1/specification/json-schemas/graphics/schema.json"

// Graphic action kinds forwarded from the control API to a renderer
const (
	ActionUpdate = "updateAction"
	ActionPlay   = "playAction"
	ActionStop   = "stopAction"
	ActionCustom = "customAction"
)

// DefaultNamespaceID is used for every request when accounts are disabled
const DefaultNamespaceID = "default"

// Author of a graphic package
type Author struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ActionInfo describes a custom action declared by a graphic or a renderer
type ActionInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// GraphicManifest describes an uploaded graphic package.
// Manifests are immutable once loaded; Raw keeps the exact bytes that were uploaded
// so they can be served back unchanged.
type GraphicManifest struct {
	Schema              string          `json:"$schema,omitempty"`
	ID                  string          `json:"id"`
	Version             string          `json:"version,omitempty"`
	Name                string          `json:"name,omitempty"`
	Description         string          `json:"description,omitempty"`
	Author              *Author         `json:"author,omitempty"`
	Main                string          `json:"main,omitempty"`
	CustomActions       []ActionInfo    `json:"customActions,omitempty"`
	SupportsRealTime    bool            `json:"supportsRealTime"`
	SupportsNonRealTime bool            `json:"supportsNonRealTime"`
	StepCount           *int            `json:"stepCount,omitempty"`
	ContentSchema       json.RawMessage `json:"schema,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseGraphicManifest decodes a manifest and keeps its raw bytes
func ParseGraphicManifest(data []byte) (*GraphicManifest, error) {
	var m GraphicManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, Validation("invalid graphic manifest: %v", err)
	}
	m.Raw = append(json.RawMessage(nil), data...)
	return &m, nil
}

// GraphicSummary is the list-view of an uploaded graphic
type GraphicSummary struct {
	ID          string `json:"id"`
	Version     string `json:"version,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// GraphicMetadata is synthesized from the filesystem and the metadata index
type GraphicMetadata struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Author    *Author   `json:"author,omitempty"`
}

// GraphicInfo is the detail-view of an uploaded graphic
type GraphicInfo struct {
	Graphic  json.RawMessage `json:"graphic"`
	Metadata GraphicMetadata `json:"metadata"`
}

// UploadedGraphic identifies one package stored by an upload
type UploadedGraphic struct {
	ID string `json:"id"`
}

// RendererStatus is the live status a renderer reports about itself
type RendererStatus struct {
	Message                string  `json:"message,omitempty"`
	FrameRate              float64 `json:"frameRate,omitempty"`
	AccessToPublicInternet bool    `json:"accessToPublicInternet"`
	Layers                 int     `json:"layers,omitempty"`
}

// RendererInfo describes a connected renderer
type RendererInfo struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description,omitempty"`
	CustomActions      []ActionInfo    `json:"customActions,omitempty"`
	RenderTargetSchema json.RawMessage `json:"renderTargetSchema,omitempty"`
	Status             *RendererStatus `json:"status,omitempty"`
}

// Resolution of a renderer viewport
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// RenderCharacteristics are reported to graphics when they load
type RenderCharacteristics struct {
	Resolution             Resolution `json:"resolution"`
	FrameRate              float64    `json:"frameRate"`
	AccessToPublicInternet bool       `json:"accessToPublicInternet"`
}

// ActionResult is returned by every graphic method.
// StatusCode defaults to 200 when a graphic returns nothing.
type ActionResult struct {
	StatusCode    int             `json:"statusCode"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	CurrentStep   *int            `json:"currentStep,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
}

// GraphicInstanceInfo identifies a loaded graphic instance
type GraphicInstanceInfo struct {
	ID           string          `json:"graphicInstanceId"`
	GraphicID    string          `json:"graphicId"`
	RenderTarget json.RawMessage `json:"renderTarget,omitempty"`
}

// RenderTargetInfo is the status of one render target
type RenderTargetInfo struct {
	GraphicInstances []GraphicInstanceInfo `json:"graphicInstances"`
}

// ClearFilters narrows which instances a clear call removes
type ClearFilters struct {
	RenderTarget      json.RawMessage `json:"renderTarget,omitempty"`
	GraphicID         string          `json:"graphicId,omitempty"`
	GraphicInstanceID string          `json:"graphicInstanceId,omitempty"`
}

// Account is a persisted tenant record
type Account struct {
	NamespaceID string    `json:"namespaceId"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsed    time.Time `json:"lastUsed"`
}
