// Package graphics stores uploaded graphic packages on disk, one folder per graphic id.
package graphics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ografserver/internal/database"
	"ografserver/pkg/types"
)

// DefaultRemovalGrace is how long a soft-deleted graphic stays on disk
const DefaultRemovalGrace = 24 * time.Hour

// Index is the metadata index the store keeps its tombstones and upload times in
type Index interface {
	MarkForRemoval(ctx context.Context, graphicID string, expiresAt time.Time) error
	ImportTombstone(ctx context.Context, graphicID string, expiresAt time.Time) (bool, error)
	IsMarkedForRemoval(ctx context.Context, graphicID string) (bool, error)
	RemovalIDs(ctx context.Context) (map[string]bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]database.Tombstone, error)
	RecordUpload(ctx context.Context, graphicID, version string, uploadedAt time.Time) error
	UploadedAt(ctx context.Context, graphicID string) (time.Time, bool, error)
	DeleteGraphicRecords(ctx context.Context, graphicID string) error
}

type Options struct {
	Root         string
	Index        Index
	RemovalGrace time.Duration
	Logger       zerolog.Logger
	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// Store is the graphics store of one namespace.
// Upload, delete, sweep and migrate are writers; list and info are readers.
// Resource serving takes no lock so soft-deleted packages keep streaming.
type Store struct {
	root   string
	index  Index
	grace  time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu sync.RWMutex
}

// Open prepares a store: migrates legacy folders, imports on-disk tombstones
// missing from the index, then sweeps expired packages.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("graphics root is required")
	}
	if opts.Index == nil {
		return nil, errors.New("graphics index is required")
	}
	if opts.RemovalGrace <= 0 {
		opts.RemovalGrace = DefaultRemovalGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create graphics root: %w", err)
	}

	s := &Store{
		root:   opts.Root,
		index:  opts.Index,
		grace:  opts.RemovalGrace,
		now:    opts.Now,
		logger: opts.Logger.With().Str("component", "graphics").Str("root", opts.Root).Logger(),
	}

	if _, err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate graphics folders: %w", err)
	}
	if err := s.importSentinels(ctx); err != nil {
		return nil, fmt.Errorf("failed to import removal markers: %w", err)
	}
	if _, err := s.Sweep(ctx); err != nil {
		return nil, fmt.Errorf("failed to sweep graphics: %w", err)
	}
	return s, nil
}

// Root is the folder holding every package of the store
func (s *Store) Root() string {
	return s.root
}

func (s *Store) folder(id string) string {
	return filepath.Join(s.root, FolderName(id))
}

// List returns a summary of every active graphic. Folders with a broken or
// mismatching manifest are logged and skipped.
func (s *Store) List(ctx context.Context) ([]types.GraphicSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read graphics root: %w", err)
	}
	removed, err := s.index.RemovalIDs(ctx)
	if err != nil {
		return nil, err
	}

	summaries := []types.GraphicSummary{}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id, err := IDFromFolder(entry.Name())
		if err != nil {
			s.logger.Warn().Str("folder", entry.Name()).Msg("Unrecognized folder in graphics root")
			continue
		}
		if removed[id] {
			continue
		}
		m, _, err := s.loadChecked(id)
		if err != nil {
			s.logger.Error().Err(err).Str("graphic_id", id).Msg("Skipping graphic")
			continue
		}
		summaries = append(summaries, types.GraphicSummary{
			ID:          m.ID,
			Version:     m.Version,
			Name:        m.Name,
			Description: m.Description,
		})
	}
	return summaries, nil
}

// loadChecked reads the manifest of a package and checks it declares the folder's id
func (s *Store) loadChecked(id string) (*types.GraphicManifest, string, error) {
	m, path, err := readManifest(s.folder(id))
	if err != nil {
		return nil, "", err
	}
	if m.ID != id {
		return nil, "", fmt.Errorf("manifest id %q does not match folder %s", m.ID, FolderName(id))
	}
	return m, path, nil
}

// Info returns the manifest of an active graphic plus filesystem metadata
func (s *Store) Info(ctx context.Context, id string) (*types.GraphicInfo, error) {
	if !types.IsValidGraphicID(id) {
		return nil, types.NotFound("graphic %q not found", id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	folderInfo, err := os.Stat(s.folder(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.NotFound("graphic %q not found", id)
		}
		return nil, fmt.Errorf("failed to stat graphic folder: %w", err)
	}
	marked, err := s.index.IsMarkedForRemoval(ctx, id)
	if err != nil {
		return nil, err
	}
	if marked {
		return nil, types.NotFound("graphic %q not found", id)
	}

	m, manifestPath, err := s.loadChecked(id)
	if err != nil {
		s.logger.Error().Err(err).Str("graphic_id", id).Msg("Graphic folder is unreadable")
		return nil, types.NotFound("graphic %q not found", id)
	}

	meta := types.GraphicMetadata{CreatedAt: folderInfo.ModTime(), UpdatedAt: folderInfo.ModTime(), Author: m.Author}
	if uploadedAt, ok, err := s.index.UploadedAt(ctx, id); err != nil {
		return nil, err
	} else if ok {
		meta.CreatedAt = uploadedAt
	}
	if manifestInfo, err := os.Stat(manifestPath); err == nil {
		meta.UpdatedAt = manifestInfo.ModTime()
	}

	return &types.GraphicInfo{Graphic: m.Raw, Metadata: meta}, nil
}

// Delete removes a graphic. Without force the package is tombstoned for the grace
// period: hidden from list and info at once, but its resources keep serving until
// the sweep removes it. Force removes the folder immediately.
func (s *Store) Delete(ctx context.Context, id string, force bool) error {
	if !types.IsValidGraphicID(id) {
		return types.NotFound("graphic %q not found", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.folder(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.NotFound("graphic %q not found", id)
		}
		return fmt.Errorf("failed to stat graphic folder: %w", err)
	}

	if force {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove graphic folder: %w", err)
		}
		if err := s.index.DeleteGraphicRecords(ctx, id); err != nil {
			return err
		}
		s.logger.Info().Str("graphic_id", id).Msg("Graphic removed")
		return nil
	}

	marked, err := s.index.IsMarkedForRemoval(ctx, id)
	if err != nil {
		return err
	}
	if marked {
		return types.NotFound("graphic %q not found", id)
	}

	expiresAt := s.now().Add(s.grace)
	if err := s.index.MarkForRemoval(ctx, id, expiresAt); err != nil {
		return err
	}
	sentinel := filepath.Join(dir, RemovalSentinel)
	if err := os.WriteFile(sentinel, []byte(strconv.FormatInt(expiresAt.UnixMilli(), 10)), 0644); err != nil {
		s.logger.Warn().Err(err).Str("graphic_id", id).Msg("Failed to write removal marker")
	}
	s.logger.Info().Str("graphic_id", id).Time("expires_at", expiresAt).Msg("Graphic marked for removal")
	return nil
}

// Sweep physically removes every package whose tombstone has expired
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired, err := s.index.ListExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, t := range expired {
		if err := os.RemoveAll(s.folder(t.GraphicID)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", t.GraphicID, err))
			continue
		}
		if err := s.index.DeleteGraphicRecords(ctx, t.GraphicID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		s.logger.Info().Str("graphic_id", t.GraphicID).Msg("Expired graphic removed")
	}
	return removed, errors.Join(errs...)
}

// Migrate renames folders that do not follow the graphic-<id> convention but
// contain a manifest. Folders without one are logged and left alone. Every
// package ends up with a root manifest.json, which is what renderers fetch.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, fmt.Errorf("failed to read graphics root: %w", err)
	}

	renamed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return renamed, ctx.Err()
		}
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if id, err := IDFromFolder(name); err == nil {
			if err := s.canonicalize(id); err != nil {
				return renamed, err
			}
			continue
		}

		m, _, err := readManifest(filepath.Join(s.root, name))
		if err != nil || m.Validate() != nil {
			s.logger.Warn().Str("folder", name).Msg("Unrecognized folder in graphics root, leaving it alone")
			continue
		}
		target := s.folder(m.ID)
		if _, err := os.Stat(target); err == nil {
			s.logger.Warn().Str("folder", name).Str("graphic_id", m.ID).Msg("Cannot migrate folder, target already exists")
			continue
		}
		if err := os.Rename(filepath.Join(s.root, name), target); err != nil {
			return renamed, fmt.Errorf("failed to rename %s: %w", name, err)
		}
		renamed++
		s.logger.Info().Str("folder", name).Str("graphic_id", m.ID).Msg("Migrated graphic folder")
		if err := s.canonicalize(m.ID); err != nil {
			return renamed, err
		}
	}
	return renamed, nil
}

func (s *Store) canonicalize(id string) error {
	written, err := ensureCanonical(id, s.folder(id))
	if err != nil {
		return err
	}
	if written {
		s.logger.Info().Str("graphic_id", id).Msg("Wrote root manifest for graphic")
	}
	return nil
}

// importSentinels copies on-disk removal markers into the index. Markers the
// index already knows are left as they are; malformed ones are skipped.
func (s *Store) importSentinels(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to read graphics root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := IDFromFolder(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name(), RemovalSentinel))
		if err != nil {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			s.logger.Warn().Str("graphic_id", id).Msg("Skipping malformed removal marker")
			continue
		}
		imported, err := s.index.ImportTombstone(ctx, id, time.UnixMilli(ms))
		if err != nil {
			return err
		}
		if imported {
			s.logger.Info().Str("graphic_id", id).Msg("Imported removal marker")
		}
	}
	return nil
}
