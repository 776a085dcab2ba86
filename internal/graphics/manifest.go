package graphics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ografserver/pkg/types"
)

const (
	folderPrefix = "graphic-"

	// CanonicalManifest is written at the root of every stored package
	CanonicalManifest = "manifest.json"
	// RemovalSentinel mirrors an index tombstone on disk; it holds the expiry in epoch ms
	RemovalSentinel = "__markedForRemoval"

	manifestSuffix       = ".ograf.json"
	legacyManifestSuffix = ".ograf"

	// files larger than this are never sniffed as manifests
	maxManifestSize = 4 << 20
)

// FolderName maps a graphic id onto its package folder
func FolderName(id string) string {
	return folderPrefix + id
}

// IDFromFolder is the inverse of FolderName
func IDFromFolder(name string) (string, error) {
	id, ok := strings.CutPrefix(name, folderPrefix)
	if !ok || !types.IsValidGraphicID(id) {
		return "", fmt.Errorf("%w: %q", ErrNotGraphicDir, name)
	}
	return id, nil
}

// manifestRank orders manifest file names by convention; lower is preferred, -1 is not a manifest name
func manifestRank(name string) int {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, manifestSuffix):
		return 0
	case strings.HasSuffix(lower, legacyManifestSuffix):
		return 1
	case lower == CanonicalManifest:
		return 2
	default:
		return -1
	}
}

// FindManifest locates the manifest of a package folder. The canonical root copy wins;
// otherwise the folder is searched by naming convention, newest first.
func FindManifest(dir string) (string, error) {
	canonical := filepath.Join(dir, CanonicalManifest)
	if info, err := os.Stat(canonical); err == nil && info.Mode().IsRegular() {
		return canonical, nil
	}

	var candidates []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && manifestRank(d.Name()) >= 0 {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", dir, err)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNoManifest, dir)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := manifestRank(filepath.Base(candidates[i])), manifestRank(filepath.Base(candidates[j]))
		if ri != rj {
			return ri < rj
		}
		// shallower paths first, then lexical
		di, dj := strings.Count(candidates[i], string(filepath.Separator)), strings.Count(candidates[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], nil
}

// readManifest loads and parses the manifest of a package folder
func readManifest(dir string) (*types.GraphicManifest, string, error) {
	path, err := FindManifest(dir)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := types.ParseGraphicManifest(data)
	if err != nil {
		return nil, "", err
	}
	return m, path, nil
}

// ensureCanonical gives a package folder its root manifest.json when only a
// convention-named manifest exists. Folders whose manifest is unreadable or
// declares another id are left for List to report.
func ensureCanonical(id, dir string) (bool, error) {
	m, path, err := readManifest(dir)
	if err != nil || m.ID != id {
		return false, nil
	}
	canonical := filepath.Join(dir, CanonicalManifest)
	if path == canonical {
		return false, nil
	}
	if err := os.WriteFile(canonical, m.Raw, 0644); err != nil {
		return false, fmt.Errorf("failed to write manifest of %s: %w", id, err)
	}
	return true, nil
}

// isManifestContent decides whether an extracted file is a graphic manifest.
// Legacy .ograf files are trusted; anything else must declare the OGraf schema.
func isManifestContent(name string, data []byte) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, legacyManifestSuffix) {
		return true
	}
	if !bytes.Contains(data, []byte(types.GraphicManifestSchemaURL)) {
		return false
	}
	var probe struct {
		Schema string `json:"$schema"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Schema == types.GraphicManifestSchemaURL
}
