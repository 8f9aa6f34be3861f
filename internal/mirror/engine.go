package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/treesync/internal/config"
	"github.com/openmined/treesync/internal/crawler"
	"github.com/openmined/treesync/internal/downloader"
	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/utils"
)

const (
	tokenCheckTimeout   = 15 * time.Second
	versionCheckTimeout = 15 * time.Second
)

// Engine sequences one mirror run: crawl, diff, download, persist.
type Engine struct {
	cfg        *config.Config
	api        API
	tokens     TokenProvider
	store      *manifest.Store
	filter     *Filter
	crawler    *crawler.Crawler
	downloader *downloader.Downloader

	muState sync.RWMutex
	state   State
}

// NewEngine wires an engine for a validated config. api may be nil when the
// engine is only used for Bootstrap.
func NewEngine(cfg *config.Config, api API, tokens TokenProvider) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("mirror: config is nil")
	}

	filter := NewFilter(cfg.LocalDir, cfg.Include, cfg.Ignore)
	filter.Load()

	e := &Engine{
		cfg:    cfg,
		api:    api,
		tokens: tokens,
		store:  manifest.NewStore(cfg.ManifestPath),
		filter: filter,
		state:  StateInit,
	}
	if api != nil {
		e.crawler = crawler.New(api, cfg.CrawlerOptions())
		e.downloader = downloader.New(api, cfg.LocalDir, cfg.DownloaderOptions())
	}
	return e, nil
}

func (e *Engine) State() State {
	e.muState.RLock()
	defer e.muState.RUnlock()
	return e.state
}

func (e *Engine) setState(res *Result, s State) {
	e.muState.Lock()
	e.state = s
	e.muState.Unlock()
	res.State = s
	slog.Debug("sync state", "run", res.RunID, "state", s)
}

// Run performs one sync. The returned error is non-nil for a fatal crawl, a held
// lock, or a failed manifest write; per-file failures only show up in the Result.
func (e *Engine) Run(ctx context.Context) (res *Result, err error) {
	if e.api == nil {
		return nil, errors.New("mirror: engine has no remote api")
	}

	start := time.Now()
	res = &Result{RunID: uuid.NewString()}
	e.setState(res, StateInit)
	defer func() {
		res.Duration = time.Since(start)
		e.logSummary(res, err)
	}()

	slog.Info("sync start",
		"run", res.RunID,
		"repo", e.cfg.Repo,
		"branch", e.cfg.Branch,
		"remote", e.cfg.RemoteRoot,
		"local", e.cfg.LocalDir,
	)

	// INIT
	if err := e.prepareDirs(); err != nil {
		return res, err
	}
	if err := e.store.Lock(); err != nil {
		return res, err
	}
	defer e.store.Unlock()
	e.resolveToken(ctx)
	if e.cfg.VersionCheck && e.versionUnchanged(ctx) {
		slog.Info("sync skipped, version unchanged", "run", res.RunID)
		res.UpToDate = true
		e.setState(res, StateDone)
		return res, nil
	}

	// CRAWLING
	e.setState(res, StateCrawling)
	crawl := e.crawler.Crawl(ctx, e.cfg.RemoteRoot)
	res.CrawlErrors = len(crawl.Stats.Errors)
	res.Canceled = crawl.Stats.Canceled
	if crawl.Stats.Fatal {
		res.Fatal = true
		e.setState(res, StateFailed)
		return res, crawl.Stats.FatalErr
	}

	// DIFFING
	e.setState(res, StateDiffing)
	remote := e.filter.Apply(crawl.Entries)
	res.TotalRemote = len(remote)
	m, bootstrapped := e.loadManifest(ctx, remote)
	needed := manifest.Diff(m, remote)
	if e.cfg.VerifyLocal {
		needed = e.appendMissingLocal(needed, remote)
	}
	res.NeedingUpdate = len(needed)
	slog.Info("sync diff", "run", res.RunID, "remote", res.TotalRemote, "tracked", m.Len(), "needUpdate", res.NeedingUpdate)

	// DOWNLOADING
	e.setState(res, StateDownloading)
	dl := e.downloader.DownloadAll(ctx, needed, e.cfg.DownloadWorkers)
	res.Downloaded = dl.Succeeded
	res.Failed = dl.Failed
	res.Skipped = dl.Skipped
	res.Bytes = dl.Bytes
	res.Failures = dl.Failures

	// PERSISTING
	e.setState(res, StatePersisting)
	m.Merge(dl.NewEntries)
	listed := crawl.Stats.Complete() && ctx.Err() == nil
	if e.cfg.Prune {
		if listed {
			res.Pruned = e.prune(m, remote)
		} else {
			slog.Warn("prune skipped, remote listing incomplete", "run", res.RunID, "crawlErrors", res.CrawlErrors, "canceled", res.Canceled)
		}
	}
	if bootstrapped && !listed {
		// unlisted local files would drop out of the manifest and be fetched again
		slog.Warn("manifest not saved, first listing incomplete", "run", res.RunID, "crawlErrors", res.CrawlErrors, "canceled", res.Canceled || ctx.Err() != nil)
	} else if err := e.store.Save(m); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}

	res.Canceled = res.Canceled || ctx.Err() != nil
	e.setState(res, StateDone)
	return res, nil
}

// Bootstrap rebuilds the manifest from the files on disk, replacing any existing one.
func (e *Engine) Bootstrap(ctx context.Context) (*manifest.Manifest, error) {
	if err := e.prepareDirs(); err != nil {
		return nil, err
	}
	if err := e.store.Lock(); err != nil {
		return nil, err
	}
	defer e.store.Unlock()

	m, err := e.store.Bootstrap(ctx, e.cfg.LocalDir, e.filter.Skip)
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(m); err != nil {
		return nil, fmt.Errorf("save manifest: %w", err)
	}
	return m, nil
}

func (e *Engine) prepareDirs() error {
	if err := utils.EnsureDir(e.cfg.LocalDir); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}
	if err := utils.EnsureParent(e.cfg.ManifestPath); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	return nil
}

// resolveToken installs the provider's token. A token the server rejects is
// dropped so the run continues unauthenticated.
func (e *Engine) resolveToken(ctx context.Context) {
	if e.tokens == nil {
		return
	}

	token, err := e.tokens.Token()
	if err != nil {
		slog.Warn("token lookup failed, continuing unauthenticated", "error", err)
		return
	}
	if token == "" {
		slog.Info("no token configured, requests are unauthenticated and heavily rate limited")
		return
	}
	e.api.SetToken(token)

	checkCtx, cancel := context.WithTimeout(ctx, tokenCheckTimeout)
	defer cancel()

	user, err := e.api.ValidateToken(checkCtx)
	var authErr *ghapi.AuthError
	switch {
	case err == nil:
		slog.Info("token valid", "user", user.Login, "token", utils.MaskToken(token))
	case errors.As(err, &authErr):
		slog.Warn("token rejected, continuing unauthenticated", "status", authErr.Status, "token", utils.MaskToken(token))
		e.api.SetToken("")
	default:
		slog.Warn("token check failed, keeping token", "error", err)
	}
}

// loadManifest reads the manifest, or bootstraps one from disk on first run and
// reports that it did. Bootstrapped entries are limited to paths listed remotely.
func (e *Engine) loadManifest(ctx context.Context, remote []manifest.RemoteEntry) (*manifest.Manifest, bool) {
	if e.store.Exists() {
		m, err := e.store.Load()
		if err != nil {
			slog.Warn("manifest unreadable, starting empty", "path", e.store.Path(), "error", err)
		}
		return m, false
	}

	local, err := e.store.Bootstrap(ctx, e.cfg.LocalDir, e.filter.Skip)
	if err != nil {
		slog.Warn("manifest bootstrap failed, starting empty", "error", err)
		return manifest.New(), true
	}

	m := manifest.New()
	for _, r := range remote {
		if entry, ok := local.Get(r.Path); ok {
			m.Set(r.Path, entry)
		}
	}
	return m, true
}

// appendMissingLocal schedules remote files whose manifest entry is current but
// whose local copy is gone.
func (e *Engine) appendMissingLocal(needed, remote []manifest.RemoteEntry) []manifest.RemoteEntry {
	scheduled := make(map[string]struct{}, len(needed))
	for _, n := range needed {
		scheduled[n.Path] = struct{}{}
	}

	missing := 0
	for _, r := range remote {
		if _, ok := scheduled[r.Path]; ok {
			continue
		}
		target, err := utils.SafeJoin(e.cfg.LocalDir, r.Path)
		if err != nil || utils.FileExists(target) {
			continue
		}
		needed = append(needed, r)
		missing++
	}
	if missing > 0 {
		slog.Info("local files missing", "count", missing)
	}
	return needed
}

func (e *Engine) logSummary(res *Result, err error) {
	attrs := []any{
		"run", res.RunID,
		"state", res.State,
		"remote", humanize.Comma(int64(res.TotalRemote)),
		"needUpdate", res.NeedingUpdate,
		"downloaded", res.Downloaded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"pruned", res.Pruned,
		"crawlErrors", res.CrawlErrors,
		"bytes", humanize.IBytes(uint64(res.Bytes)),
		"took", res.Duration.Round(time.Millisecond),
	}
	switch {
	case err != nil:
		slog.Error("sync failed", append(attrs, "error", err)...)
	case !res.Success():
		slog.Warn("sync incomplete", append(attrs, "canceled", res.Canceled)...)
	default:
		slog.Info("sync done", attrs...)
	}
}
