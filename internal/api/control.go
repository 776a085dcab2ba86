package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"ografserver/internal/hub"
	"ografserver/internal/namespace"
	"ografserver/pkg/types"
)

type ListGraphicsResponse struct {
	Graphics []types.GraphicSummary `json:"graphics"`
}

type ListRenderersResponse struct {
	Renderers []types.RendererInfo `json:"renderers"`
}

type RendererResponse struct {
	Renderer types.RendererInfo `json:"renderer"`
}

type TargetResponse struct {
	RenderTarget types.RenderTargetInfo `json:"renderTarget"`
}

type CustomActionRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ClearRequest struct {
	Filters *types.ClearFilters `json:"filters,omitempty"`
}

type ClearResponse struct {
	GraphicInstances []types.GraphicInstanceInfo `json:"graphicInstances"`
}

type LoadRequest struct {
	GraphicID string                `json:"graphicId"`
	Params    types.LoadGraphicData `json:"params"`
}

func (s *Server) listGraphics(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	graphics, err := ns.Graphics.List(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ListGraphicsResponse{Graphics: graphics})
}

func (s *Server) getGraphic(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	info, err := ns.Graphics.Info(r.Context(), r.PathValue("graphicId"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, info)
}

// DELETE /graphics/{graphicId} marks the graphic for removal; ?force=true removes it now
func (s *Server) deleteGraphic(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, r, types.Validation("invalid force flag %q", v))
			return
		}
		force = parsed
	}

	id := r.PathValue("graphicId")
	if err := ns.Graphics.Delete(r.Context(), id, force); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.logger.Info().Str("namespace_id", ns.ID).Str("graphic_id", id).Bool("force", force).Msg("Graphic deleted")
	s.sendJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) listRenderers(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	s.sendJSON(w, http.StatusOK, ListRenderersResponse{Renderers: ns.Hub.ListRenderers()})
}

func (s *Server) getRenderer(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	rc, err := ns.Hub.Renderer(r.PathValue("rendererId"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	info, ok := rc.Info()
	if !ok {
		s.sendError(w, r, types.NotFound("renderer %q not found", r.PathValue("rendererId")))
		return
	}
	s.sendJSON(w, http.StatusOK, RendererResponse{Renderer: info})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	rc, target, ok := s.rendererAndTarget(w, r, ns)
	if !ok {
		return
	}
	info, err := rc.GetTargetStatus(r.Context(), target)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, TargetResponse{RenderTarget: info})
}

func (s *Server) invokeRendererAction(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	rc, err := ns.Hub.Renderer(r.PathValue("rendererId"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req CustomActionRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	res, err := rc.InvokeRendererAction(r.Context(), types.RendererAction{
		ID:      r.PathValue("customActionId"),
		Payload: req.Payload,
	})
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) clearGraphics(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	rc, err := ns.Hub.Renderer(r.PathValue("rendererId"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var req ClearRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	res, err := rc.ClearGraphic(r.Context(), req.Filters)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ClearResponse{GraphicInstances: res.GraphicInstances})
}

// PUT .../target/graphic/load checks the graphic is listed before asking the renderer to load it
func (s *Server) loadGraphic(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	rc, target, ok := s.rendererAndTarget(w, r, ns)
	if !ok {
		return
	}
	var req LoadRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if !types.IsValidGraphicID(req.GraphicID) {
		s.sendError(w, r, types.Validation("invalid graphicId %q", req.GraphicID))
		return
	}
	if _, err := ns.Graphics.Info(r.Context(), req.GraphicID); err != nil {
		s.sendError(w, r, err)
		return
	}

	res, err := rc.LoadGraphic(r.Context(), target, req.GraphicID, req.Params.Data)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// POST .../target/graphic/{action} forwards the body as the action's params
func (s *Server) invokeGraphicAction(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	kind := r.PathValue("action")
	if _, ok := types.GraphicActionMethod(kind); !ok {
		s.sendError(w, r, types.NotFound("%v: %s", hub.ErrUnknownActionKind, kind))
		return
	}
	rc, target, ok := s.rendererAndTarget(w, r, ns)
	if !ok {
		return
	}
	instanceID := r.URL.Query().Get("graphicInstanceId")
	if instanceID == "" {
		s.sendError(w, r, types.Validation("graphicInstanceId is required"))
		return
	}
	params, err := rawBody(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	res, err := rc.InvokeGraphicAction(r.Context(), kind, target, instanceID, params)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// rendererAndTarget resolves the path's renderer and the renderTarget query parameter,
// answering the request itself when either is wrong
func (s *Server) rendererAndTarget(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) (*hub.RendererConnection, json.RawMessage, bool) {
	rc, err := ns.Hub.Renderer(r.PathValue("rendererId"))
	if err != nil {
		s.sendError(w, r, err)
		return nil, nil, false
	}
	target, err := types.ParseRenderTarget(r.URL.Query().Get("renderTarget"))
	if err != nil {
		s.sendError(w, r, err)
		return nil, nil, false
	}
	return rc, target, true
}
