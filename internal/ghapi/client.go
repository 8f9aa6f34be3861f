package ghapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/treesync/internal/version"
)

const (
	DefaultServerURL       = "https://api.github.com"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultRetryCount      = 2
	DefaultMaxConnsPerHost = 32

	HeaderAccept     = "Accept"
	HeaderAPIVersion = "X-GitHub-Api-Version"
	HeaderLink       = "Link"

	apiVersion   = "2022-11-28"
	mediaType    = "application/vnd.github+json"
	rawMediaType = "application/vnd.github.raw+json"
)

type ClientConfig struct {
	ServerURL       string        // API root, e.g. https://api.github.com
	Repo            string        // owner/name
	Branch          string        // ref to list
	Token           string        // optional bearer credential
	RequestTimeout  time.Duration // per request, including body
	RetryCount      int           // transport retries for listing calls (network errors and 5xx)
	MaxConnsPerHost int           // bounds the shared connection pool
}

func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return ErrNoServerURL
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("ghapi: invalid server url %q: %w", c.ServerURL, err)
	}
	owner, name, ok := strings.Cut(c.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return ErrInvalidRepo
	}
	if c.Branch == "" {
		return ErrNoBranch
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	return nil
}

// Client talks to the GitHub contents API. It is safe for concurrent use;
// all requests share one bounded connection pool.
type Client struct {
	http      *req.Client
	serverURL *url.URL
	repo      string
	branch    string
	token     atomic.Pointer[string]
}

func New(cfg *ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	serverURL, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ghapi: parse server url: %w", err)
	}

	httpClient := req.C().
		SetUserAgent(version.UserAgent()).
		SetTimeout(cfg.RequestTimeout).
		SetCommonHeader(HeaderAccept, mediaType).
		SetCommonHeader(HeaderAPIVersion, apiVersion).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryBackoffInterval(250*time.Millisecond, 2*time.Second).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp.Response != nil && resp.StatusCode >= 500
		})
	transport := httpClient.GetTransport().
		SetMaxConnsPerHost(cfg.MaxConnsPerHost).
		SetMaxIdleConns(cfg.MaxConnsPerHost)
	// the default keeps only 2 idle connections per host
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost

	c := &Client{
		http:      httpClient,
		serverURL: serverURL,
		repo:      cfg.Repo,
		branch:    cfg.Branch,
	}
	c.SetToken(cfg.Token)
	return c, nil
}

// SetToken replaces the bearer credential. An empty token makes requests unauthenticated.
func (c *Client) SetToken(token string) {
	c.token.Store(&token)
}

func (c *Client) Token() string {
	if t := c.token.Load(); t != nil {
		return *t
	}
	return ""
}

func (c *Client) Repo() string   { return c.repo }
func (c *Client) Branch() string { return c.branch }

// ValidateToken checks the current credential against GET /user and returns the login.
func (c *Client) ValidateToken(ctx context.Context) (*User, error) {
	var user User
	endpoint := c.serverURL.JoinPath("user").String()

	resp, err := c.request(ctx, endpoint).Get(endpoint)
	if err != nil {
		return nil, &NetworkError{BaseError: BaseError{Code: CodeNetwork, Message: "validate token"}, URL: endpoint, Err: err}
	}
	if err := checkResponse(resp, "validate token"); err != nil {
		return nil, err
	}
	if err := jsonUnmarshal(resp.Bytes(), &user); err != nil {
		return nil, &ParseError{BaseError: BaseError{Code: CodeParse, Message: "validate token"}, URL: endpoint, Err: err}
	}
	return &user, nil
}

// ListDirectory fetches one page of the listing of a repository directory.
func (c *Client) ListDirectory(ctx context.Context, dirPath string, page int) (*DirectoryPage, error) {
	endpoint := c.contentsURL(dirPath)
	op := "list " + dirPath

	r := c.request(ctx, endpoint).
		SetQueryParam("ref", c.branch).
		SetQueryParam("per_page", strconv.Itoa(PerPage))
	if page > 1 {
		r.SetQueryParam("page", strconv.Itoa(page))
	}

	resp, err := r.Get(endpoint)
	if err != nil {
		return nil, &NetworkError{BaseError: BaseError{Code: CodeNetwork, Message: op}, URL: endpoint, Err: err}
	}
	if err := checkResponse(resp, op); err != nil {
		return nil, err
	}

	var items []ContentItem
	if err := jsonUnmarshal(resp.Bytes(), &items); err != nil {
		return nil, &ParseError{BaseError: BaseError{Code: CodeParse, Message: op}, URL: endpoint, Err: err}
	}

	last, err := lastPage(resp.Header.Get(HeaderLink))
	if err != nil {
		return nil, &ParseError{BaseError: BaseError{Code: CodeParse, Message: op}, URL: endpoint, Err: err}
	}

	return &DirectoryPage{Items: items, Page: max(page, 1), LastPage: last}, nil
}

// FileContent returns the raw content of a single repository file at the configured ref.
func (c *Client) FileContent(ctx context.Context, filePath string) ([]byte, error) {
	endpoint := c.contentsURL(filePath)
	op := "get " + filePath

	resp, err := c.request(ctx, endpoint).
		SetHeader(HeaderAccept, rawMediaType).
		SetQueryParam("ref", c.branch).
		Get(endpoint)
	if err != nil {
		return nil, &NetworkError{BaseError: BaseError{Code: CodeNetwork, Message: op}, URL: endpoint, Err: err}
	}
	if err := checkResponse(resp, op); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// Fetch streams the content behind a download url. The caller must close the body.
// Fetch never retries on its own; the downloader owns retry policy so each attempt
// starts from a fresh temp file.
func (c *Client) Fetch(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	resp, err := c.request(ctx, downloadURL).
		DisableAutoReadResponse().
		SetRetryCount(0).
		Get(downloadURL)
	if err != nil {
		return nil, &NetworkError{BaseError: BaseError{Code: CodeNetwork, Message: "fetch"}, URL: downloadURL, Err: err}
	}
	if err := checkResponse(resp, "fetch"); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) contentsURL(dirPath string) string {
	owner, name, _ := strings.Cut(c.repo, "/")
	segments := []string{"repos", owner, name, "contents"}
	for _, s := range strings.Split(strings.Trim(dirPath, "/"), "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return c.serverURL.JoinPath(segments...).String()
}

// request prepares a request, attaching the credential only for hosts that belong to the API.
func (c *Client) request(ctx context.Context, target string) *req.Request {
	r := c.http.R().SetContext(ctx)
	if token := c.Token(); token != "" && c.trustedHost(target) {
		r.SetBearerAuthToken(token)
	}
	return r
}

func (c *Client) trustedHost(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == c.serverURL.Hostname() ||
		host == "github.com" ||
		strings.HasSuffix(host, ".githubusercontent.com")
}
