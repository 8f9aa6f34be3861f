package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/treesync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFileName = ".manifest.json"
	lockSuffix      = ".lock"
)

var ErrSyncAlreadyRunning = errors.New("sync already running")

// LoadWarning is returned alongside an empty manifest when the file exists but is unusable.
type LoadWarning struct {
	Path string
	Err  error
}

func (w *LoadWarning) Error() string {
	return fmt.Sprintf("manifest %s unusable, starting empty: %v", w.Path, w.Err)
}

func (w *LoadWarning) Unwrap() error { return w.Err }

// encodeManifest streams m into w. Swapped in tests to simulate a crash mid-write.
var encodeManifest = func(w io.Writer, m *Manifest) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Store persists a Manifest as a single JSON file.
type Store struct {
	path string
	lock *flock.Flock
}

func NewStore(path string) *Store {
	return &Store{
		path: path,
		lock: flock.New(path + lockSuffix),
	}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Exists() bool {
	return utils.FileExists(s.path)
}

// IsInternal reports whether the absolute path is one of the store's own files.
func (s *Store) IsInternal(path string) bool {
	return path == s.path || path == s.lock.Path() || utils.IsTempFile(path)
}

// Lock takes an exclusive advisory lock so two syncs never share a manifest.
func (s *Store) Lock() error {
	if err := utils.EnsureParent(s.lock.Path()); err != nil {
		return fmt.Errorf("manifest lock: %w", err)
	}
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("manifest lock: %w", err)
	}
	if !locked {
		return ErrSyncAlreadyRunning
	}
	return nil
}

func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

// Load reads the manifest. A missing file yields an empty manifest and no error;
// an unreadable or malformed file yields an empty manifest and a *LoadWarning.
func (s *Store) Load() (*Manifest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}
		return New(), &LoadWarning{Path: s.path, Err: err}
	}

	m := New()
	if err := json.Unmarshal(data, m); err != nil {
		return New(), &LoadWarning{Path: s.path, Err: err}
	}
	if m.Files == nil {
		m.Files = make(map[string]*Entry)
	}
	for path, e := range m.Files {
		if e == nil {
			delete(m.Files, path)
		}
	}
	if m.Version == "" {
		m.Version = SchemaVersion
	}
	return m, nil
}

// Save atomically replaces the manifest file. A failure at any point leaves the
// previous file untouched.
func (s *Store) Save(m *Manifest) error {
	m.Version = SchemaVersion
	m.GeneratedAt = Now()

	f, err := utils.CreateAtomic(s.path)
	if err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	if err := encodeManifest(f, m); err != nil {
		f.Abort()
		return fmt.Errorf("save manifest: encode: %w", err)
	}
	if err := f.Commit(); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	slog.Debug("manifest saved", "path", s.path, "files", m.Len())
	return nil
}

// Bootstrap hashes the files already present under root so that content on disk
// is not downloaded again. skip receives slash-separated relative paths and may be nil.
func (s *Store) Bootstrap(ctx context.Context, root string, skip func(relPath string) bool) (*Manifest, error) {
	type localFile struct {
		abs string
		rel string
	}

	var files []localFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return fmt.Errorf("walk error: %w", walkErr)
		}
		if d.IsDir() || !d.Type().IsRegular() || s.IsInternal(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		rel = utils.NormPath(rel)
		if skip != nil && skip(rel) {
			return nil
		}
		files = append(files, localFile{abs: path, rel: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap scan: %w", err)
	}

	m := New()
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			info, err := os.Stat(f.abs)
			if err != nil {
				slog.Warn("bootstrap stat failed", "path", f.rel, "error", err)
				return nil
			}
			sha, size, err := utils.FileBlobHash(f.abs)
			if err != nil {
				slog.Warn("bootstrap hash failed", "path", f.rel, "error", err)
				return nil
			}

			mu.Lock()
			m.Set(f.rel, &Entry{SHA1: sha, Size: size, Modified: Timestamp{info.ModTime().UTC()}})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	slog.Info("manifest bootstrapped", "root", root, "files", m.Len())
	return m, nil
}
