package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu       sync.Mutex
	content  map[string]string // url -> body
	serve    map[string]string // url -> body actually served, when it differs
	failures map[string]error  // url -> error returned on every call
	flaky    map[string]int    // url -> remaining network failures
	calls    map[string]int

	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		content:  make(map[string]string),
		serve:    make(map[string]string),
		failures: make(map[string]error),
		flaky:    make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (f *fakeFetcher) add(rel, body string) manifest.RemoteEntry {
	u := "https://raw.example.com/" + rel
	f.content[u] = body
	return manifest.RemoteEntry{Path: rel, SHA: utils.BlobHash([]byte(body)), Size: int64(len(body)), DownloadURL: u}
}

func (f *fakeFetcher) Fetch(ctx context.Context, u string) (io.ReadCloser, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[u]++
	if err, ok := f.failures[u]; ok {
		return nil, err
	}
	if f.flaky[u] > 0 {
		f.flaky[u]--
		return nil, &ghapi.NetworkError{URL: u, Err: errors.New("connection reset")}
	}
	if body, ok := f.serve[u]; ok {
		return io.NopCloser(strings.NewReader(body)), nil
	}
	body, ok := f.content[u]
	if !ok {
		return nil, &ghapi.StatusError{BaseError: ghapi.BaseError{Code: ghapi.CodeNotFound}, URL: u, Status: http.StatusNotFound}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeFetcher) callCount(rel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls["https://raw.example.com/"+rel]
}

func testOptions() Options {
	return Options{Workers: 4, Retries: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func assertNoTempFiles(t *testing.T, root string) {
	t.Helper()
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		assert.False(t, utils.IsTempFile(d.Name()), "leftover temp file %s", path)
		return nil
	})
}

func TestDownloadAll_OneOfTenFails(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()

	var entries []manifest.RemoteEntry
	for i := range 10 {
		entries = append(entries, f.add(fmt.Sprintf("dir%d/file%d.json", i%3, i), fmt.Sprintf(`{"n": %d}`, i)))
	}
	broken := entries[6]
	f.failures[broken.DownloadURL] = &ghapi.StatusError{BaseError: ghapi.BaseError{Code: ghapi.CodeServer}, URL: broken.DownloadURL, Status: http.StatusInternalServerError}

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), entries, 0)

	assert.Equal(t, 10, stats.Attempted)
	assert.Equal(t, 9, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Skipped)
	assert.Len(t, stats.NewEntries, 9)
	require.Len(t, stats.Failures, 1)
	assert.Equal(t, broken.Path, stats.Failures[0].Path)
	assert.Equal(t, 3, stats.Failures[0].Attempts)
	assert.Equal(t, 3, f.callCount(broken.Path))
	assert.NotContains(t, stats.NewEntries, broken.Path)

	var total int64
	for i, e := range entries {
		if i == 6 {
			assert.NoFileExists(t, filepath.Join(root, e.Path))
			continue
		}
		assert.Equal(t, fmt.Sprintf(`{"n": %d}`, i), readFile(t, filepath.Join(root, e.Path)))
		got := stats.NewEntries[e.Path]
		require.NotNil(t, got)
		assert.Equal(t, e.SHA, got.SHA1)
		assert.Equal(t, e.Size, got.Size)
		assert.False(t, got.Modified.IsZero())
		total += e.Size
	}
	assert.Equal(t, total, stats.Bytes)
	assertNoTempFiles(t, root)
}

func TestDownloadAll_RetryThenSuccess(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	e := f.add("a.txt", "hello world\n")
	f.flaky[e.DownloadURL] = 2

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), []manifest.RemoteEntry{e}, 1)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 3, f.callCount("a.txt"))
	assert.Equal(t, "hello world\n", readFile(t, filepath.Join(root, "a.txt")))
	assert.Equal(t, "3b18e512dba79e4c8300dd08aeb37f8e728b8dad", stats.NewEntries["a.txt"].SHA1)
}

func TestDownloadAll_NotFoundNotRetried(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	e := manifest.RemoteEntry{Path: "gone.txt", SHA: utils.BlobHash(nil), DownloadURL: "https://raw.example.com/gone.txt"}

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), []manifest.RemoteEntry{e}, 0)

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, f.callCount("gone.txt"))
	var stErr *ghapi.StatusError
	assert.ErrorAs(t, stats.Failures[0].Err, &stErr)
}

func TestDownloadAll_IntegrityMismatchKeepsTarget(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	good := f.add("cfg.json", `{"v": 2}`)
	short := f.add("short.json", `{"v": 3}`)
	f.serve[good.DownloadURL] = `{"v": 9}`
	f.serve[short.DownloadURL] = `{"v"`

	require.NoError(t, os.WriteFile(filepath.Join(root, "cfg.json"), []byte("previous"), 0o644))

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), []manifest.RemoteEntry{good, short}, 0)

	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 3, f.callCount("cfg.json"))
	for _, fail := range stats.Failures {
		assert.ErrorIs(t, fail.Err, ErrIntegrity)
		var intErr *IntegrityError
		require.ErrorAs(t, fail.Err, &intErr)
		if fail.Path == "short.json" {
			assert.Equal(t, int64(4), intErr.GotSize)
		}
	}
	assert.Equal(t, "previous", readFile(t, filepath.Join(root, "cfg.json")))
	assert.NoFileExists(t, filepath.Join(root, "short.json"))
	assertNoTempFiles(t, root)
}

func TestDownloadAll_ReplacesExistingFile(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	e := f.add("nested/deep/x.bin", "new content")

	target := filepath.Join(root, "nested", "deep", "x.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), []manifest.RemoteEntry{e}, 0)

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, "new content", readFile(t, target))
	assertNoTempFiles(t, root)
}

func TestDownloadAll_CreatesParentDirs(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	e := f.add("a/b/c/d/leaf.json", `{"leaf": true}`)

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), []manifest.RemoteEntry{e}, 0)

	require.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, `{"leaf": true}`, readFile(t, filepath.Join(root, "a", "b", "c", "d", "leaf.json")))
	assertNoTempFiles(t, root)
}

func TestDownloadAll_PathEscapeIsIOError(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	e := f.add("../escape.txt", "x")

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), []manifest.RemoteEntry{e}, 0)

	require.Equal(t, 1, stats.Failed)
	var ioErr *IOError
	assert.ErrorAs(t, stats.Failures[0].Err, &ioErr)
	assert.ErrorIs(t, stats.Failures[0].Err, utils.ErrPathEscapesRoot)
	assert.Equal(t, 1, stats.Failures[0].Attempts)
	assert.Equal(t, 0, f.callCount("../escape.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "escape.txt"))
}

func TestDownloadAll_BoundedConcurrency(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	f.delay = 5 * time.Millisecond

	var entries []manifest.RemoteEntry
	for i := range 30 {
		entries = append(entries, f.add(fmt.Sprintf("f%02d", i), strings.Repeat("x", i)))
	}

	stats := New(f, root, testOptions()).DownloadAll(context.Background(), entries, 3)

	assert.Equal(t, 30, stats.Succeeded)
	assert.LessOrEqual(t, f.peak.Load(), int32(3))
}

func TestDownloadAll_CanceledSkipsPending(t *testing.T) {
	root := t.TempDir()
	f := newFakeFetcher()
	var entries []manifest.RemoteEntry
	for i := range 5 {
		entries = append(entries, f.add(fmt.Sprintf("f%d", i), "body"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := New(f, root, testOptions()).DownloadAll(ctx, entries, 0)

	assert.Equal(t, 0, stats.Attempted)
	assert.Equal(t, 5, stats.Skipped)
	assert.Empty(t, stats.NewEntries)
}

func TestDownloadAll_Empty(t *testing.T) {
	stats := New(newFakeFetcher(), t.TempDir(), Options{}).DownloadAll(context.Background(), nil, 0)
	assert.Equal(t, 0, stats.Attempted)
	assert.NotNil(t, stats.NewEntries)
}

func TestBackoff(t *testing.T) {
	d := New(nil, "", Options{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})

	assert.Equal(t, 100*time.Millisecond, d.backoff(errors.New("x"), 1))
	assert.Equal(t, 400*time.Millisecond, d.backoff(errors.New("x"), 3))
	assert.Equal(t, time.Second, d.backoff(errors.New("x"), 8))
	assert.Equal(t, 700*time.Millisecond, d.backoff(&ghapi.RateLimitError{RetryAfter: 700 * time.Millisecond}, 1))
	assert.Equal(t, time.Second, d.backoff(&ghapi.RateLimitError{RetryAfter: time.Hour}, 1))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&ghapi.NetworkError{Err: errors.New("reset")}))
	assert.True(t, retryable(&ghapi.RateLimitError{}))
	assert.True(t, retryable(&ghapi.StatusError{BaseError: ghapi.BaseError{Code: ghapi.CodeServer}}))
	assert.True(t, retryable(&IntegrityError{}))
	assert.False(t, retryable(&ghapi.StatusError{BaseError: ghapi.BaseError{Code: ghapi.CodeNotFound}}))
	assert.False(t, retryable(&IOError{Err: os.ErrPermission}))
	assert.False(t, retryable(&ghapi.AuthError{}))
}

func TestDownloadAll_GitHubRaw(t *testing.T) {
	files := map[string]string{
		"/owner/repo/dev/resource/a.json":       `{"a": 1}`,
		"/owner/repo/dev/resource/img/b.png":    "\x89PNG....",
		"/owner/repo/dev/resource/flaky.txt":    "eventually",
		"/owner/repo/dev/resource/missing.json": "",
	}
	var flakyHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/owner/repo/dev/resource/flaky.txt" && flakyHits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, ok := files[r.URL.Path]
		if !ok || body == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	client, err := ghapi.New(&ghapi.ClientConfig{ServerURL: srv.URL, Repo: "owner/repo", Branch: "dev", RequestTimeout: 5 * time.Second})
	require.NoError(t, err)

	var entries []manifest.RemoteEntry
	for p, body := range files {
		rel := strings.TrimPrefix(p, "/owner/repo/dev/resource/")
		entries = append(entries, manifest.RemoteEntry{Path: rel, SHA: utils.BlobHash([]byte(body)), Size: int64(len(body)), DownloadURL: srv.URL + p})
	}

	root := t.TempDir()
	stats := New(client, root, testOptions()).DownloadAll(context.Background(), entries, 0)

	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, "missing.json", stats.Failures[0].Path)
	assert.Equal(t, int32(2), flakyHits.Load())
	assert.Equal(t, "\x89PNG....", readFile(t, filepath.Join(root, "img", "b.png")))
}
