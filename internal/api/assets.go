package api

import (
	"errors"
	"net/http"

	"ografserver/internal/namespace"
	"ografserver/pkg/types"
)

// UploadField is the multipart field carrying the zip archive
const UploadField = "graphic"

type UploadResponse struct {
	Graphics []types.UploadedGraphic `json:"graphics"`
}

type CreateAccountRequest struct {
	Email string `json:"email"`
}

type CreateAccountResponse struct {
	NamespaceID string `json:"namespaceId"`
}

// FUNCTIONAL DISCOVERY: POST /serverApi/internal/graphics/graphic stores every package of a zip archive
func (s *Server) uploadGraphic(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, r, types.Validation("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.sendError(w, r, types.Validation("invalid multipart upload: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(UploadField)
	if err != nil {
		s.sendError(w, r, types.Validation("missing %q file field", UploadField))
		return
	}
	defer func() { _ = file.Close() }()

	uploaded, err := ns.Graphics.Upload(r.Context(), header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, UploadResponse{Graphics: uploaded})
}

// serveResource streams a package file. Soft-deleted packages stay reachable until swept.
func (s *Server) serveResource(w http.ResponseWriter, r *http.Request, ns *namespace.Namespace) {
	res, err := ns.Graphics.OpenResource(r.PathValue("graphicId"), r.PathValue("localPath"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	defer func() { _ = res.Close() }()

	w.Header().Set("Content-Type", res.ContentType)
	http.ServeContent(w, r, res.Info.Name(), res.Info.ModTime(), res.File)
}

// createAccount registers an email and returns its namespace id; the same email
// always maps onto the same namespace
func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.sendError(w, r, types.Validation("accounts are disabled on this server"))
		return
	}
	var req CreateAccountRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	account, err := s.accounts.CreateAccount(req.Email)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CreateAccountResponse{NamespaceID: account.NamespaceID})
}
