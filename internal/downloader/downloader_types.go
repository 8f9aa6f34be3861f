package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openmined/treesync/internal/manifest"
)

const (
	DefaultWorkers     = 10
	DefaultRetries     = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

var ErrIntegrity = errors.New("integrity check failed")

// Fetcher opens a streamed body for a download url.
type Fetcher interface {
	Fetch(ctx context.Context, downloadURL string) (io.ReadCloser, error)
}

type Options struct {
	Workers        int           // concurrent downloads
	Retries        int           // attempts per file
	BaseBackoff    time.Duration // first retry delay, doubled per attempt
	MaxBackoff     time.Duration // cap on any retry delay, including server hints
	RequestTimeout time.Duration // per attempt, zero leaves it to the fetcher
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
}

// IOError is a local filesystem failure. It is never retried.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IntegrityError is a body whose length or blob hash does not match the listing.
type IntegrityError struct {
	Path     string
	WantSHA  string
	GotSHA   string
	WantSize int64
	GotSize  int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %s: want %s (%d bytes), got %s (%d bytes)",
		e.Path, e.WantSHA, e.WantSize, e.GotSHA, e.GotSize)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

type Failure struct {
	Path     string
	Attempts int
	Err      error
}

type Stats struct {
	Attempted  int
	Succeeded  int
	Failed     int
	Skipped    int // never started because the run was canceled
	Bytes      int64
	NewEntries map[string]*manifest.Entry
	Failures   []*Failure
	Duration   time.Duration
}

type result struct {
	path     string
	entry    *manifest.Entry
	attempts int
	skipped  bool
	err      error
}
