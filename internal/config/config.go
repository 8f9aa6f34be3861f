package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/treesync/internal/crawler"
	"github.com/openmined/treesync/internal/downloader"
	"github.com/openmined/treesync/internal/ghapi"
	"github.com/openmined/treesync/internal/manifest"
	"github.com/openmined/treesync/internal/utils"
)

const (
	DefaultServerURL  = "https://api.github.com"
	DefaultRepo       = "MaaAssistantArknights/MaaAssistantArknights"
	DefaultBranch     = "dev"
	DefaultRemoteRoot = "resource"
	DefaultLocalDir   = "resource"
	DefaultEnvFile    = ".env"
	DefaultTokenEnv   = "GITHUB_TOKEN"
)

var (
	ErrInvalidServerURL = errors.New("invalid server url")
	ErrInvalidRepo      = errors.New("invalid repo, expected owner/name")
	ErrNoBranch         = errors.New("branch is required")
	ErrNoLocalDir       = errors.New("local dir is required")
	ErrInvalidPattern   = errors.New("invalid include pattern")
)

type Config struct {
	ServerURL    string   `mapstructure:"server_url" yaml:"server_url"`
	Repo         string   `mapstructure:"repo" yaml:"repo"`
	Branch       string   `mapstructure:"branch" yaml:"branch"`
	RemoteRoot   string   `mapstructure:"remote_root" yaml:"remote_root"`
	LocalDir     string   `mapstructure:"local_dir" yaml:"local_dir"`
	ManifestPath string   `mapstructure:"manifest" yaml:"manifest"`
	Include      []string `mapstructure:"include" yaml:"include"` // doublestar globs relative to the remote root
	Ignore       []string `mapstructure:"ignore" yaml:"ignore"`   // gitignore lines
	Prune        bool     `mapstructure:"prune" yaml:"prune"`
	VerifyLocal  bool     `mapstructure:"verify_local" yaml:"verify_local"`
	VersionCheck bool     `mapstructure:"version_check" yaml:"version_check"` // skip the run while version.json is unchanged

	// the token itself is never part of the config, only where to find it
	EnvFile  string `mapstructure:"env_file" yaml:"env_file"`
	TokenEnv string `mapstructure:"token_env" yaml:"token_env"`

	CrawlWorkers     int           `mapstructure:"crawl_workers" yaml:"crawl_workers"`
	PageWorkers      int           `mapstructure:"page_workers" yaml:"page_workers"`
	DownloadWorkers  int           `mapstructure:"download_workers" yaml:"download_workers"`
	Retries          int           `mapstructure:"retries" yaml:"retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxRetryBackoff  time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff"`
	RateLimitRetries int           `mapstructure:"rate_limit_retries" yaml:"rate_limit_retries"`
	RateLimitBackoff time.Duration `mapstructure:"rate_limit_backoff" yaml:"rate_limit_backoff"`
	MaxRateLimitWait time.Duration `mapstructure:"max_rate_limit_wait" yaml:"max_rate_limit_wait"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxConnsPerHost  int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`

	Path string `mapstructure:"-" yaml:"-"` // config file in use, if any
}

// Default returns a config with every field at its default.
func Default() *Config {
	return &Config{
		ServerURL:        DefaultServerURL,
		Repo:             DefaultRepo,
		Branch:           DefaultBranch,
		RemoteRoot:       DefaultRemoteRoot,
		LocalDir:         DefaultLocalDir,
		EnvFile:          DefaultEnvFile,
		TokenEnv:         DefaultTokenEnv,
		CrawlWorkers:     crawler.DefaultWorkers,
		PageWorkers:      crawler.DefaultPageWorkers,
		DownloadWorkers:  downloader.DefaultWorkers,
		Retries:          downloader.DefaultRetries,
		RetryBackoff:     downloader.DefaultBaseBackoff,
		MaxRetryBackoff:  downloader.DefaultMaxBackoff,
		RateLimitRetries: crawler.DefaultRateLimitRetries,
		RateLimitBackoff: crawler.DefaultRateLimitBackoff,
		MaxRateLimitWait: crawler.DefaultMaxRateLimitWait,
		RequestTimeout:   ghapi.DefaultRequestTimeout,
		MaxConnsPerHost:  ghapi.DefaultMaxConnsPerHost,
	}
}

// Validate normalizes paths and fills zero values with defaults.
func (c *Config) Validate() error {
	def := Default()

	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		c.ServerURL = def.ServerURL
	}
	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidServerURL, c.ServerURL)
	}

	c.Repo = strings.Trim(strings.TrimSpace(c.Repo), "/")
	owner, name, ok := strings.Cut(c.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidRepo, c.Repo)
	}

	c.Branch = strings.TrimSpace(c.Branch)
	if c.Branch == "" {
		return ErrNoBranch
	}

	c.RemoteRoot = strings.Trim(filepath.ToSlash(strings.TrimSpace(c.RemoteRoot)), "/")

	if strings.TrimSpace(c.LocalDir) == "" {
		return ErrNoLocalDir
	}
	localDir, err := utils.ResolvePath(c.LocalDir)
	if err != nil {
		return fmt.Errorf("resolve local dir: %w", err)
	}
	c.LocalDir = localDir

	if c.ManifestPath == "" {
		c.ManifestPath = filepath.Join(c.LocalDir, manifest.DefaultFileName)
	} else if c.ManifestPath, err = utils.ResolvePath(c.ManifestPath); err != nil {
		return fmt.Errorf("resolve manifest path: %w", err)
	}

	for _, p := range c.Include {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, p)
		}
	}

	if c.TokenEnv == "" {
		c.TokenEnv = def.TokenEnv
	}

	setDefault(&c.CrawlWorkers, def.CrawlWorkers)
	setDefault(&c.PageWorkers, def.PageWorkers)
	setDefault(&c.DownloadWorkers, def.DownloadWorkers)
	setDefault(&c.Retries, def.Retries)
	setDefault(&c.RetryBackoff, def.RetryBackoff)
	setDefault(&c.MaxRetryBackoff, def.MaxRetryBackoff)
	setDefault(&c.RateLimitBackoff, def.RateLimitBackoff)
	setDefault(&c.MaxRateLimitWait, def.MaxRateLimitWait)
	setDefault(&c.RequestTimeout, def.RequestTimeout)
	setDefault(&c.MaxConnsPerHost, def.MaxConnsPerHost)
	if c.RateLimitRetries < 0 {
		c.RateLimitRetries = 0
	}

	return nil
}

func (c *Config) ClientConfig() *ghapi.ClientConfig {
	return &ghapi.ClientConfig{
		ServerURL:       c.ServerURL,
		Repo:            c.Repo,
		Branch:          c.Branch,
		RequestTimeout:  c.RequestTimeout,
		RetryCount:      ghapi.DefaultRetryCount,
		MaxConnsPerHost: c.MaxConnsPerHost,
	}
}

func (c *Config) CrawlerOptions() crawler.Options {
	return crawler.Options{
		Workers:          c.CrawlWorkers,
		PageWorkers:      c.PageWorkers,
		RateLimitRetries: c.RateLimitRetries,
		RateLimitBackoff: c.RateLimitBackoff,
		MaxRateLimitWait: c.MaxRateLimitWait,
		RequestTimeout:   c.RequestTimeout,
	}
}

func (c *Config) DownloaderOptions() downloader.Options {
	return downloader.Options{
		Workers:        c.DownloadWorkers,
		Retries:        c.Retries,
		BaseBackoff:    c.RetryBackoff,
		MaxBackoff:     c.MaxRetryBackoff,
		RequestTimeout: c.RequestTimeout,
	}
}

func setDefault[T int | time.Duration](v *T, def T) {
	if *v <= 0 {
		*v = def
	}
}
