package mirror

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/utils"
)

// prune deletes tracked, in-scope files that no longer exist remotely and drops
// them from m. It must only run after a complete listing.
func (e *Engine) prune(m *manifest.Manifest, remote []manifest.RemoteEntry) int {
	remotePaths := mapset.NewThreadUnsafeSetWithSize[string](len(remote))
	for _, r := range remote {
		remotePaths.Add(r.Path)
	}
	tracked := mapset.NewThreadUnsafeSet(m.Paths()...)

	gone := tracked.Difference(remotePaths).ToSlice()
	sort.Strings(gone)

	pruned := 0
	for _, rel := range gone {
		if !e.filter.InScope(rel) {
			continue
		}

		target, err := utils.SafeJoin(e.cfg.LocalDir, rel)
		if err != nil {
			slog.Warn("prune dropped bad manifest path", "path", rel, "error", err)
			m.Delete(rel)
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// stays tracked so the next complete run tries again
			slog.Warn("prune failed", "path", rel, "error", err)
			continue
		}

		m.Delete(rel)
		removeEmptyParents(filepath.Dir(target), e.cfg.LocalDir)
		slog.Debug("pruned", "path", rel)
		pruned++
	}

	if pruned > 0 {
		slog.Info("pruned files deleted remotely", "count", pruned)
	}
	return pruned
}

// removeEmptyParents removes dir and its ancestors while they are empty, stopping at root.
func removeEmptyParents(dir, root string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
