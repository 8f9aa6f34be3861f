package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/manifest"
)

const (
	DefaultWorkers          = 20
	DefaultPageWorkers      = 5
	DefaultRateLimitRetries = 3
	DefaultRateLimitBackoff = 2 * time.Second
	DefaultMaxRateLimitWait = 60 * time.Second

	// upper bound on directory workers per available cpu
	workersPerCPU = 8
)

var ErrFatalCrawl = errors.New("crawl failed")

// Lister lists one page of a remote directory.
type Lister interface {
	ListDirectory(ctx context.Context, dirPath string, page int) (*ghapi.DirectoryPage, error)
}

type Options struct {
	Workers          int           // directory workers, capped at GOMAXPROCS*8
	PageWorkers      int           // concurrent extra pages per directory
	RateLimitRetries int           // re-queues of a rate limited directory
	RateLimitBackoff time.Duration // backoff step when the server gives no hint
	MaxRateLimitWait time.Duration // cap on any single rate limit wait
	RequestTimeout   time.Duration // per listing call, zero leaves it to the client
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.PageWorkers <= 0 {
		o.PageWorkers = DefaultPageWorkers
	}
	if o.RateLimitRetries < 0 {
		o.RateLimitRetries = 0
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if o.MaxRateLimitWait <= 0 {
		o.MaxRateLimitWait = DefaultMaxRateLimitWait
	}
}

// DirError is a directory (or one page of it) that could not be listed.
type DirError struct {
	Path string
	Page int
	Err  error
}

func (e *DirError) Error() string {
	if e.Page > 1 {
		return fmt.Sprintf("list %q page %d: %v", e.Path, e.Page, e.Err)
	}
	return fmt.Sprintf("list %q: %v", e.Path, e.Err)
}

func (e *DirError) Unwrap() error { return e.Err }

type Stats struct {
	Dirs             int // directories listed
	Pages            int // pages fetched
	Files            int
	RateLimitRetries int
	Errors           []*DirError
	Fatal            bool
	FatalErr         error
	Canceled         bool
	Duration         time.Duration
}

// Complete reports whether every directory was listed.
func (s *Stats) Complete() bool {
	return !s.Fatal && !s.Canceled && len(s.Errors) == 0
}

type Result struct {
	Entries []manifest.RemoteEntry
	Stats   Stats
}
