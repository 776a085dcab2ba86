package graphics

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"ografserver/pkg/types"
)

// web types that must not depend on the host's mime tables
var builtinTypes = map[string]string{
	".html":  "text/html; charset=utf-8",
	".htm":   "text/html; charset=utf-8",
	".js":    "text/javascript; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".css":   "text/css; charset=utf-8",
	".json":  "application/json",
	".ograf": "application/json",
	".svg":   "image/svg+xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".wasm":  "application/wasm",
}

// ContentType resolves a MIME type from a file extension, octet-stream when unknown
func ContentType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := builtinTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Resource is an open package file ready to be streamed
type Resource struct {
	File        *os.File
	Info        fs.FileInfo
	ContentType string
}

func (r *Resource) Close() error {
	return r.File.Close()
}

// OpenResource opens a file of a package. Soft-deleted packages are served too,
// so graphics already on air keep loading their assets.
func (s *Store) OpenResource(id, localPath string) (*Resource, error) {
	if !types.IsValidGraphicID(id) {
		return nil, types.NotFound("graphic %q not found", id)
	}
	rel := filepath.FromSlash(strings.TrimPrefix(localPath, "/"))
	if rel == "" || !filepath.IsLocal(rel) || filepath.Base(rel) == RemovalSentinel {
		return nil, types.NotFound("resource %q not found", localPath)
	}

	f, err := os.Open(filepath.Join(s.folder(id), rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NotFound("resource %q of graphic %q not found", localPath, id)
		}
		return nil, fmt.Errorf("failed to open resource: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat resource: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, types.NotFound("resource %q of graphic %q not found", localPath, id)
	}
	return &Resource{File: f, Info: info, ContentType: ContentType(rel)}, nil
}
