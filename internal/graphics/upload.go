package graphics

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"ografserver/pkg/types"
)

var zipMediaTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/x-zip":            true,
	"application/zip-compressed":   true,
	"multipart/x-zip":              true,
}

// IsZipMediaType reports whether a Content-Type names a zip archive
func IsZipMediaType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return zipMediaTypes[strings.ToLower(mediaType)]
}

type foundManifest struct {
	manifest *types.GraphicManifest
	baseDir  string
}

// Upload stores every graphic package found in a zip archive. A package whose id
// already exists is replaced entirely. Nothing is left behind when the upload
// fails: the scratch directory is always removed, and so is every package
// folder touched before the failure.
func (s *Store) Upload(ctx context.Context, contentType string, archive io.ReaderAt, size int64) ([]types.UploadedGraphic, error) {
	if !IsZipMediaType(contentType) {
		return nil, types.Validation("%v: %q", ErrUnsupportedType, contentType)
	}

	uploadID := uuid.New().String()
	logger := s.logger.With().Str("upload_id", uploadID).Logger()

	scratch := filepath.Join(s.root, ".upload-"+uploadID)
	if err := os.Mkdir(scratch, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove scratch directory")
		}
	}()

	manifests, err := extract(archive, size, scratch)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, types.Validation("%v in archive", ErrNoManifest)
	}

	seen := make(map[string]bool, len(manifests))
	for _, fm := range manifests {
		if err := fm.manifest.Validate(); err != nil {
			return nil, err
		}
		if seen[fm.manifest.ID] {
			return nil, types.Conflict("archive contains more than one graphic with id %q", fm.manifest.ID)
		}
		seen[fm.manifest.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []string
	fail := func(err error) ([]types.UploadedGraphic, error) {
		for _, id := range touched {
			if rmErr := os.RemoveAll(s.folder(id)); rmErr != nil {
				logger.Warn().Err(rmErr).Str("graphic_id", id).Msg("Failed to clean up after failed upload")
			}
			if rmErr := s.index.DeleteGraphicRecords(context.WithoutCancel(ctx), id); rmErr != nil {
				logger.Warn().Err(rmErr).Str("graphic_id", id).Msg("Failed to drop index records after failed upload")
			}
		}
		return nil, err
	}

	uploaded := make([]types.UploadedGraphic, 0, len(manifests))
	for _, fm := range manifests {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		target := s.folder(fm.manifest.ID)
		if err := os.RemoveAll(target); err != nil {
			return fail(fmt.Errorf("failed to replace graphic %s: %w", fm.manifest.ID, err))
		}
		touched = append(touched, fm.manifest.ID)

		if err := copyTree(fm.baseDir, target); err != nil {
			return fail(fmt.Errorf("failed to store graphic %s: %w", fm.manifest.ID, err))
		}
		if err := os.WriteFile(filepath.Join(target, CanonicalManifest), fm.manifest.Raw, 0644); err != nil {
			return fail(fmt.Errorf("failed to write manifest of %s: %w", fm.manifest.ID, err))
		}
		if err := s.index.RecordUpload(ctx, fm.manifest.ID, fm.manifest.Version, s.now()); err != nil {
			return fail(err)
		}
		uploaded = append(uploaded, types.UploadedGraphic{ID: fm.manifest.ID})
		logger.Info().Str("graphic_id", fm.manifest.ID).Str("version", fm.manifest.Version).Msg("Graphic uploaded")
	}
	return uploaded, nil
}

// extract unpacks the archive into dir and returns every manifest it contains
func extract(archive io.ReaderAt, size int64, dir string) ([]foundManifest, error) {
	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return nil, types.Validation("invalid zip archive: %v", err)
	}

	var manifests []foundManifest
	for _, f := range zr.File {
		name := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(name) {
			return nil, types.Validation("%v: %q", ErrUnsafeZipEntry, f.Name)
		}
		dest := filepath.Join(dir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if err := extractFile(f, dest); err != nil {
			return nil, err
		}

		if f.UncompressedSize64 > maxManifestSize {
			continue
		}
		data, err := os.ReadFile(dest)
		if err != nil {
			return nil, fmt.Errorf("failed to read extracted file: %w", err)
		}
		if !isManifestContent(name, data) {
			continue
		}
		m, err := types.ParseGraphicManifest(data)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, foundManifest{manifest: m, baseDir: filepath.Dir(dest)})
	}
	return manifests, nil
}

func extractFile(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return types.Validation("invalid zip entry %q: %v", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return types.Validation("failed to decompress %q: %v", f.Name, err)
	}
	return out.Close()
}

// copyTree copies every file below src into dst, keeping relative paths.
// Removal markers are never copied into a fresh package.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
				return err
			}
			return nil
		}
		if !d.Type().IsRegular() || d.Name() == RemovalSentinel {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
