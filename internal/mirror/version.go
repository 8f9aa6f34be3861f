package mirror

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"reflect"

	"github.com/goccy/go-json"
)

// VersionFileName is the marker file compared by the version check.
const VersionFileName = "version.json"

// versionUnchanged reports whether the remote version file decodes to the same
// JSON value as the local copy. Any failure on either side means the run goes ahead.
func (e *Engine) versionUnchanged(ctx context.Context) bool {
	remotePath := path.Join(e.cfg.RemoteRoot, VersionFileName)

	checkCtx, cancel := context.WithTimeout(ctx, versionCheckTimeout)
	defer cancel()

	remoteData, err := e.api.FileContent(checkCtx, remotePath)
	if err != nil {
		slog.Warn("version check failed, syncing", "path", remotePath, "error", err)
		return false
	}

	localPath := filepath.Join(e.cfg.LocalDir, VersionFileName)
	localData, err := os.ReadFile(localPath)
	if err != nil {
		slog.Info("no local version, syncing", "path", localPath)
		return false
	}

	var remote, local any
	if err := json.Unmarshal(remoteData, &remote); err != nil {
		slog.Warn("remote version unreadable, syncing", "error", err)
		return false
	}
	if err := json.Unmarshal(localData, &local); err != nil {
		slog.Warn("local version unreadable, syncing", "error", err)
		return false
	}
	return reflect.DeepEqual(remote, local)
}
