package types

import "encoding/json"

// Renderer protocol method names.
// Renderer → Server
const (
	MethodRegister   = "register"
	MethodUnregister = "unregister"
	MethodOnInfo     = "onInfo"
	MethodDebug      = "debug"
)

// Server → Renderer
const (
	MethodGetInfo                   = "getInfo"
	MethodGetTargetStatus           = "getTargetStatus"
	MethodInvokeRendererAction      = "invokeRendererAction"
	MethodLoadGraphic               = "loadGraphic"
	MethodClearGraphic              = "clearGraphic"
	MethodInvokeGraphicUpdateAction = "invokeGraphicUpdateAction"
	MethodInvokeGraphicPlayAction   = "invokeGraphicPlayAction"
	MethodInvokeGraphicStopAction   = "invokeGraphicStopAction"
	MethodInvokeGraphicCustomAction = "invokeGraphicCustomAction"
)

// GraphicActionMethod maps an action kind from the control API to its RPC method
func GraphicActionMethod(kind string) (string, bool) {
	switch kind {
	case ActionUpdate:
		return MethodInvokeGraphicUpdateAction, true
	case ActionPlay:
		return MethodInvokeGraphicPlayAction, true
	case ActionStop:
		return MethodInvokeGraphicStopAction, true
	case ActionCustom:
		return MethodInvokeGraphicCustomAction, true
	default:
		return "", false
	}
}

type RegisterParams struct {
	Info RendererInfo `json:"info"`
}

type RegisterResult struct {
	RendererID string `json:"rendererId"`
}

type OnInfoParams struct {
	Info RendererInfo `json:"info"`
}

type DebugParams struct {
	Message string `json:"message"`
}

type GetInfoResult struct {
	RendererInfo RendererInfo `json:"rendererInfo"`
}

type GetTargetStatusParams struct {
	RenderTarget json.RawMessage `json:"renderTarget"`
}

type GetTargetStatusResult struct {
	RenderTargetInfo RenderTargetInfo `json:"renderTargetInfo"`
}

// RendererAction identifies a renderer-level custom action
type RendererAction struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type InvokeRendererActionParams struct {
	Action RendererAction `json:"action"`
}

type InvokeRendererActionResult struct {
	Value json.RawMessage `json:"value,omitempty"`
}

// LoadGraphicData carries the instance data handed to a graphic on load
type LoadGraphicData struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type LoadGraphicParams struct {
	RenderTarget json.RawMessage `json:"renderTarget"`
	GraphicID    string          `json:"graphicId"`
	Params       LoadGraphicData `json:"params"`
}

type LoadGraphicResult struct {
	GraphicInstanceID string       `json:"graphicInstanceId"`
	Result            ActionResult `json:"result"`
}

type ClearGraphicParams struct {
	Filters *ClearFilters `json:"filters,omitempty"`
}

type ClearGraphicResult struct {
	GraphicInstances []GraphicInstanceInfo `json:"graphicInstance"`
}

// GraphicActionParams is shared by update/play/stop/custom invocations
type GraphicActionParams struct {
	RenderTarget      json.RawMessage `json:"renderTarget"`
	GraphicInstanceID string          `json:"graphicInstanceId"`
	Params            json.RawMessage `json:"params,omitempty"`
}

type GraphicActionResult struct {
	GraphicInstanceID string       `json:"graphicInstanceId"`
	Result            ActionResult `json:"result"`
}

// PlayActionParams is the decoded params of a play action
type PlayActionParams struct {
	Delta         int  `json:"delta"`
	GoTo          *int `json:"goto,omitempty"`
	SkipAnimation bool `json:"skipAnimation,omitempty"`
}

// CustomActionParams is the decoded params of a custom graphic action
type CustomActionParams struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LoadParams is what a graphic receives on load
type LoadParams struct {
	RenderType            string                `json:"renderType"`
	RenderCharacteristics RenderCharacteristics `json:"renderCharacteristics"`
	Data                  json.RawMessage       `json:"data,omitempty"`
}
