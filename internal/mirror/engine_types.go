package mirror

import (
	"context"
	"time"

	"github.com/openmined/treesync/internal/crawler"
	"github.com/openmined/treesync/internal/downloader"
	"github.com/openmined/treesync/internal/ghapi"
)

type State string

const (
	StateInit        State = "INIT"
	StateCrawling    State = "CRAWLING"
	StateDiffing     State = "DIFFING"
	StateDownloading State = "DOWNLOADING"
	StatePersisting  State = "PERSISTING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// API is the remote surface a sync run needs.
type API interface {
	crawler.Lister
	downloader.Fetcher
	FileContent(ctx context.Context, filePath string) ([]byte, error)
	ValidateToken(ctx context.Context) (*ghapi.User, error)
	SetToken(token string)
}

// TokenProvider returns an optional bearer credential. An empty token means unauthenticated.
type TokenProvider interface {
	Token() (string, error)
}

type Result struct {
	RunID         string
	State         State
	TotalRemote   int // in-scope remote files
	NeedingUpdate int
	Downloaded    int
	Failed        int
	Skipped       int
	Pruned        int
	CrawlErrors   int
	Bytes         int64
	Fatal         bool
	Canceled      bool
	UpToDate      bool // skipped by the version check
	Failures      []*downloader.Failure
	Duration      time.Duration
}

// Success reports a run that finished with every scheduled file in place.
func (r *Result) Success() bool {
	return r.Failed == 0 && !r.Fatal && !r.Canceled
}
