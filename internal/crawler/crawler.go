package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/queue"
	"github.com/openmined/treesync/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Crawler walks a remote directory tree breadth first with a bounded pool of workers.
type Crawler struct {
	lister Lister
	opts   Options
}

func New(lister Lister, opts Options) *Crawler {
	opts.setDefaults()
	return &Crawler{lister: lister, opts: opts}
}

// Workers is the effective size of the directory pool.
func (c *Crawler) Workers() int {
	return max(1, min(c.opts.Workers, runtime.GOMAXPROCS(0)*workersPerCPU))
}

type dirTask struct {
	path    string
	depth   int
	attempt int // rate limit re-queues so far
}

// crawl holds the shared state of a single Crawl call.
// Each field group has exactly one guard.
type crawl struct {
	*Crawler
	root string

	frontier *queue.PriorityQueue[*dirTask]
	pending  atomic.Int64 // queued + in-flight directories
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	seen     mapset.Set[string]
	dropped  atomic.Bool // a directory was abandoned because ctx ended

	muFiles sync.Mutex
	files   map[string]manifest.RemoteEntry

	muStats sync.Mutex
	stats   Stats
}

// Crawl lists every file under rootPath. It never returns an error: directory
// failures land in Stats.Errors and a failed root listing marks the result Fatal.
func (c *Crawler) Crawl(ctx context.Context, rootPath string) *Result {
	start := time.Now()
	workers := c.Workers()

	s := &crawl{
		Crawler:  c,
		root:     strings.Trim(rootPath, "/"),
		frontier: queue.NewPriorityQueue[*dirTask](),
		wake:     make(chan struct{}, workers),
		done:     make(chan struct{}),
		seen:     mapset.NewSet[string](),
		files:    make(map[string]manifest.RemoteEntry),
	}

	slog.Info("crawl start", "root", s.root, "workers", workers, "pageWorkers", c.opts.PageWorkers)

	s.seen.Add(s.root)
	s.push(&dirTask{path: s.root})

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}
	wg.Wait()

	res := &Result{Stats: s.stats}
	res.Stats.Duration = time.Since(start)
	if s.dropped.Load() || (s.pending.Load() > 0 && ctx.Err() != nil) {
		res.Stats.Canceled = true
	}
	if !res.Stats.Fatal {
		res.Entries = s.entries()
		res.Stats.Files = len(res.Entries)
	}

	slog.Info("crawl done",
		"root", s.root,
		"files", humanize.Comma(int64(res.Stats.Files)),
		"dirs", humanize.Comma(int64(res.Stats.Dirs)),
		"pages", res.Stats.Pages,
		"errors", len(res.Stats.Errors),
		"rateLimitRetries", res.Stats.RateLimitRetries,
		"fatal", res.Stats.Fatal,
		"canceled", res.Stats.Canceled,
		"took", res.Stats.Duration.Round(time.Millisecond),
	)
	return res
}

func (s *crawl) worker(ctx context.Context) {
	for {
		task, ok := s.frontier.Dequeue()
		if !ok {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		// stop scheduling once canceled, queued directories stay pending
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, task)
	}
}

// push must happen before the parent's complete so pending never hits zero early.
func (s *crawl) push(t *dirTask) {
	s.pending.Add(1)
	s.frontier.Enqueue(t, t.depth)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *crawl) complete() {
	if s.pending.Add(-1) == 0 {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (s *crawl) process(ctx context.Context, task *dirTask) {
	defer s.complete()

	start := time.Now()
	first, err := s.listPage(ctx, task.path, 1)
	if err != nil {
		s.handleDirError(ctx, task, err)
		return
	}

	items := first.Items
	if first.LastPage > 1 {
		items = append(items, s.fanOut(ctx, task.path, first.LastPage)...)
	}

	var files, dirs int
	for _, item := range items {
		switch item.Type {
		case ghapi.TypeFile:
			if s.addFile(item) {
				files++
			}
		case ghapi.TypeDir:
			if s.seen.Add(item.Path) {
				s.push(&dirTask{path: item.Path, depth: task.depth + 1})
				dirs++
			}
		default:
			// symlinks and submodules have no content to mirror
			slog.Debug("crawl skip", "path", item.Path, "type", item.Type)
		}
	}

	s.muStats.Lock()
	s.stats.Dirs++
	s.muStats.Unlock()

	slog.Debug("crawl dir", "path", task.path, "files", files, "dirs", dirs, "pages", max(1, first.LastPage), "took", time.Since(start).Round(time.Millisecond))
}

// fanOut fetches pages 2..last with a bounded pool. A failed page is recorded
// and the pages that succeeded are kept.
func (s *crawl) fanOut(ctx context.Context, dirPath string, last int) []ghapi.ContentItem {
	var (
		mu    sync.Mutex
		items []ghapi.ContentItem
		g     errgroup.Group
	)
	g.SetLimit(s.opts.PageWorkers)

	for page := 2; page <= last; page++ {
		// started pages finish, the rest are abandoned
		if ctx.Err() != nil {
			s.dropped.Store(true)
			break
		}
		g.Go(func() error {
			res, err := s.listPageWithRetry(ctx, dirPath, page)
			if err != nil {
				s.recordError(dirPath, page, err)
				return nil
			}
			mu.Lock()
			items = append(items, res.Items...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return items
}

// listPage runs a single listing call. In-flight requests outlive cancellation
// of ctx and are bounded by the request timeout instead.
func (s *crawl) listPage(ctx context.Context, dirPath string, page int) (*ghapi.DirectoryPage, error) {
	reqCtx := context.WithoutCancel(ctx)
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, s.opts.RequestTimeout)
		defer cancel()
	}

	res, err := s.lister.ListDirectory(reqCtx, dirPath, page)
	if err != nil {
		return nil, err
	}

	s.muStats.Lock()
	s.stats.Pages++
	s.muStats.Unlock()
	return res, nil
}

// listPageWithRetry retries a rate limited extra page in place, holding its fan-out slot.
func (s *crawl) listPageWithRetry(ctx context.Context, dirPath string, page int) (*ghapi.DirectoryPage, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.listPage(ctx, dirPath, page)
		if err == nil || !isRateLimited(err) || attempt > s.opts.RateLimitRetries {
			return res, err
		}
		s.countRateLimitRetry()
		wait := s.rateLimitWait(err, attempt)
		slog.Warn("crawl rate limited", "path", dirPath, "page", page, "attempt", attempt, "wait", wait)
		if err := utils.Sleep(ctx, wait); err != nil {
			s.dropped.Store(true)
			return nil, err
		}
	}
}

func (s *crawl) handleDirError(ctx context.Context, task *dirTask, err error) {
	if isRateLimited(err) && task.attempt < s.opts.RateLimitRetries {
		s.countRateLimitRetry()
		wait := s.rateLimitWait(err, task.attempt+1)
		slog.Warn("crawl rate limited", "path", task.path, "attempt", task.attempt+1, "wait", wait)
		if utils.Sleep(ctx, wait) != nil {
			s.dropped.Store(true)
			return
		}
		s.push(&dirTask{path: task.path, depth: task.depth, attempt: task.attempt + 1})
		return
	}

	if task.depth == 0 {
		slog.Error("crawl root failed", "root", task.path, "error", err)
		s.muStats.Lock()
		s.stats.Fatal = true
		s.stats.FatalErr = fmt.Errorf("%w: list %q: %w", ErrFatalCrawl, task.path, err)
		s.muStats.Unlock()
		return
	}

	s.recordError(task.path, 1, err)
}

func (s *crawl) recordError(dirPath string, page int, err error) {
	slog.Warn("crawl dir failed", "path", dirPath, "page", page, "error", err)
	s.muStats.Lock()
	s.stats.Errors = append(s.stats.Errors, &DirError{Path: dirPath, Page: page, Err: err})
	s.muStats.Unlock()
}

func (s *crawl) countRateLimitRetry() {
	s.muStats.Lock()
	s.stats.RateLimitRetries++
	s.muStats.Unlock()
}

// rateLimitWait prefers the server's hint and falls back to a linear step.
func (s *crawl) rateLimitWait(err error, attempt int) time.Duration {
	wait := s.opts.RateLimitBackoff * time.Duration(attempt)
	if hint, ok := ghapi.RetryAfter(err); ok && hint > 0 {
		wait = hint
	}
	return min(wait, s.opts.MaxRateLimitWait)
}

func (s *crawl) addFile(item ghapi.ContentItem) bool {
	rel, ok := s.relPath(item.Path)
	if !ok {
		slog.Warn("crawl skip outside root", "path", item.Path, "root", s.root)
		return false
	}
	if item.DownloadURL == "" {
		slog.Debug("crawl skip no download url", "path", item.Path)
		return false
	}

	s.muFiles.Lock()
	defer s.muFiles.Unlock()
	if _, dup := s.files[rel]; dup {
		return false
	}
	s.files[rel] = manifest.RemoteEntry{
		Path:        rel,
		SHA:         item.SHA,
		Size:        item.Size,
		DownloadURL: item.DownloadURL,
	}
	return true
}

func (s *crawl) relPath(p string) (string, bool) {
	if s.root == "" {
		return p, p != ""
	}
	rel, ok := strings.CutPrefix(p, s.root+"/")
	return rel, ok && rel != ""
}

func (s *crawl) entries() []manifest.RemoteEntry {
	s.muFiles.Lock()
	defer s.muFiles.Unlock()

	out := make([]manifest.RemoteEntry, 0, len(s.files))
	for _, e := range s.files {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func isRateLimited(err error) bool {
	var rlErr *ghapi.RateLimitError
	return errors.As(err, &rlErr)
}
