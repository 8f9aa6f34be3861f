package downloader

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/utils"
)

// Downloader materializes remote files under a local root with a bounded worker pool.
type Downloader struct {
	fetcher Fetcher
	root    string
	opts    Options
}

func New(fetcher Fetcher, root string, opts Options) *Downloader {
	opts.setDefaults()
	return &Downloader{fetcher: fetcher, root: root, opts: opts}
}

// DownloadAll downloads entries with at most limit concurrent transfers (Options.Workers
// when limit <= 0) and returns once every started download has finished.
// Individual failures are reported in Stats and never abort the batch.
func (d *Downloader) DownloadAll(ctx context.Context, entries []manifest.RemoteEntry, limit int) *Stats {
	start := time.Now()
	stats := &Stats{NewEntries: make(map[string]*manifest.Entry)}
	if len(entries) == 0 {
		return stats
	}

	workers := d.opts.Workers
	if limit > 0 {
		workers = limit
	}
	workers = min(workers, len(entries))

	jobs := make(chan manifest.RemoteEntry, len(entries))
	results := make(chan *result, len(entries))

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if ctx.Err() != nil {
					results <- &result{path: entry.Path, skipped: true}
					continue
				}
				results <- d.download(ctx, entry)
			}
		}()
	}

	// feed the work queue
	go func() {
		defer close(jobs)
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			case jobs <- entry:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	total := len(entries)
	done := 0
	for res := range results {
		done++
		switch {
		case res.skipped:
		case res.err != nil:
			stats.Attempted++
			stats.Failed++
			stats.Failures = append(stats.Failures, &Failure{Path: res.path, Attempts: res.attempts, Err: res.err})
			slog.Error("download failed", "path", res.path, "attempts", res.attempts, "error", res.err)
		default:
			stats.Attempted++
			stats.Succeeded++
			stats.Bytes += res.entry.Size
			stats.NewEntries[res.path] = res.entry
			slog.Debug("download ok", "path", res.path, "size", humanize.IBytes(uint64(res.entry.Size)), "attempts", res.attempts)
		}

		if done%progressEvery(total) == 0 && done < total {
			slog.Info("download progress", "done", done, "total", total, "failed", stats.Failed, "bytes", humanize.IBytes(uint64(stats.Bytes)))
		}
	}

	stats.Skipped = total - stats.Attempted
	stats.Duration = time.Since(start)

	slog.Info("download done",
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"bytes", humanize.IBytes(uint64(stats.Bytes)),
		"took", stats.Duration.Round(time.Millisecond),
	)
	return stats
}

// download runs all attempts for one entry on the calling worker.
func (d *Downloader) download(ctx context.Context, entry manifest.RemoteEntry) *result {
	res := &result{path: entry.Path}
	for attempt := 1; ; attempt++ {
		res.attempts = attempt
		res.entry, res.err = d.fetchOnce(ctx, entry)
		if res.err == nil || !retryable(res.err) || attempt >= d.opts.Retries {
			return res
		}

		wait := d.backoff(res.err, attempt)
		slog.Warn("download retry", "path", entry.Path, "attempt", attempt, "wait", wait, "error", res.err)
		if utils.Sleep(ctx, wait) != nil {
			// canceled during backoff, keep the last real error
			return res
		}
	}
}

// fetchOnce streams one attempt into a temp file beside the target, verifies it,
// then renames it into place. The target is untouched on any failure.
func (d *Downloader) fetchOnce(ctx context.Context, entry manifest.RemoteEntry) (*manifest.Entry, error) {
	target, err := utils.SafeJoin(d.root, entry.Path)
	if err != nil {
		return nil, &IOError{Path: entry.Path, Op: "resolve", Err: err}
	}

	reqCtx := context.WithoutCancel(ctx)
	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, d.opts.RequestTimeout)
		defer cancel()
	}

	body, err := d.fetcher.Fetch(reqCtx, entry.DownloadURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := utils.CreateAtomic(target)
	if err != nil {
		return nil, &IOError{Path: entry.Path, Op: "create", Err: err}
	}
	defer tmp.Abort()

	hasher := utils.NewBlobHasher(entry.Size)
	src := &bodyReader{r: body}
	n, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		if src.err != nil {
			return nil, &ghapi.NetworkError{
				BaseError: ghapi.BaseError{Code: ghapi.CodeNetwork, Message: "read body"},
				URL:       entry.DownloadURL,
				Err:       src.err,
			}
		}
		return nil, &IOError{Path: entry.Path, Op: "write", Err: err}
	}

	sha := hex.EncodeToString(hasher.Sum(nil))
	if n != entry.Size || (entry.SHA != "" && !strings.EqualFold(sha, entry.SHA)) {
		return nil, &IntegrityError{Path: entry.Path, WantSHA: entry.SHA, GotSHA: sha, WantSize: entry.Size, GotSize: n}
	}

	if err := tmp.Commit(); err != nil {
		return nil, &IOError{Path: entry.Path, Op: "commit", Err: err}
	}

	return &manifest.Entry{SHA1: sha, Size: n, Modified: manifest.Now()}, nil
}

// backoff doubles from BaseBackoff; a server rate limit hint replaces it.
func (d *Downloader) backoff(err error, attempt int) time.Duration {
	if hint, ok := ghapi.RetryAfter(err); ok && hint > 0 {
		return min(hint, d.opts.MaxBackoff)
	}
	return utils.ExpBackoff(d.opts.BaseBackoff, d.opts.MaxBackoff, attempt)
}

func retryable(err error) bool {
	if errors.Is(err, ErrIntegrity) {
		return true
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return false
	}
	return ghapi.IsRetryable(err)
}

// progressEvery logs roughly ten progress lines per batch.
func progressEvery(total int) int {
	return max(1, total/10)
}

// bodyReader remembers read errors so they can be told apart from write errors.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}
