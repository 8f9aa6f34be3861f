package ghapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
)

var (
	ErrNoServerURL = errors.New("ghapi: server url missing")
	ErrInvalidRepo = errors.New("ghapi: repository must be owner/name")
	ErrNoBranch    = errors.New("ghapi: branch missing")
)

const (
	CodeNetwork     = "E_NETWORK"      // transport failure, retryable
	CodeAuth        = "E_AUTH"         // credential rejected
	CodeRateLimited = "E_RATE_LIMITED" // primary or secondary rate limit
	CodeParse       = "E_PARSE"        // malformed response body or headers
	CodeNotFound    = "E_NOT_FOUND"    // path or object does not exist
	CodeServer      = "E_SERVER"       // 5xx
	CodeStatus      = "E_STATUS"       // any other unexpected status
)

type APIError interface {
	error
	ErrorCode() string
	ErrorMessage() string
}

// BaseError provides common error functionality
type BaseError struct {
	Code    string
	Message string
}

func (e *BaseError) ErrorCode() string    { return e.Code }
func (e *BaseError) ErrorMessage() string { return e.Message }

// NetworkError is a transport level failure (dns, connect, reset, timeout).
type NetworkError struct {
	BaseError
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %s %s: %v", e.Message, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError means the server rejected the credential.
type AuthError struct {
	BaseError
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s - %d %s", e.Code, e.Status, e.Message)
}

// RateLimitError carries the server's hint on when to try again, zero when unknown.
type RateLimitError struct {
	BaseError
	Status     int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %d %s (retry after %s)", e.Status, e.Message, e.RetryAfter)
}

// ParseError is a response that arrived but could not be decoded.
type ParseError struct {
	BaseError
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s %s: %v", e.Message, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// StatusError is any other non-2xx response.
type StatusError struct {
	BaseError
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error: %s - %d %s %s", e.Code, e.Status, e.Message, e.URL)
}

var (
	_ APIError = (*NetworkError)(nil)
	_ APIError = (*AuthError)(nil)
	_ APIError = (*RateLimitError)(nil)
	_ APIError = (*ParseError)(nil)
	_ APIError = (*StatusError)(nil)
)

// IsRetryable reports whether repeating the same request may succeed.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	var rlErr *RateLimitError
	var stErr *StatusError
	switch {
	case errors.As(err, &netErr), errors.As(err, &rlErr):
		return true
	case errors.As(err, &stErr):
		return stErr.Code == CodeServer
	}
	return false
}

// RetryAfter returns the server's retry hint if err is a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter, true
	}
	return 0, false
}

// checkResponse maps a non-2xx response onto the error taxonomy.
func checkResponse(resp *req.Response, operation string) error {
	status := resp.GetStatusCode()
	if status >= 200 && status < 300 {
		return nil
	}

	msg := operation
	header := resp.Header

	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusForbidden && isRateLimited(header):
		return &RateLimitError{
			BaseError:  BaseError{Code: CodeRateLimited, Message: msg},
			Status:     status,
			RetryAfter: retryAfterHint(header, time.Now()),
		}
	case status == http.StatusUnauthorized:
		return &AuthError{BaseError: BaseError{Code: CodeAuth, Message: msg}, Status: status}
	case status == http.StatusNotFound:
		return &StatusError{BaseError: BaseError{Code: CodeNotFound, Message: msg}, URL: requestURL(resp), Status: status}
	case status >= 500:
		return &StatusError{BaseError: BaseError{Code: CodeServer, Message: msg}, URL: requestURL(resp), Status: status}
	default:
		return &StatusError{BaseError: BaseError{Code: CodeStatus, Message: msg}, URL: requestURL(resp), Status: status}
	}
}

func isRateLimited(h http.Header) bool {
	return h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != ""
}

// retryAfterHint reads Retry-After (seconds) or X-RateLimit-Reset (unix seconds).
func retryAfterHint(h http.Header, now time.Time) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := strings.TrimSpace(h.Get("X-RateLimit-Reset")); v != "" {
		if reset, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(reset, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

func requestURL(resp *req.Response) string {
	if resp.Response != nil && resp.Response.Request != nil {
		return resp.Response.Request.URL.String()
	}
	return ""
}
