package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	appLog "coachcal/internal/log"
)

const (
	DefaultUserAgent    = "coachcal-ics-importer/1.0"
	DefaultFetchTimeout = 20 * time.Second
	DefaultMaxFeedBytes = 10 << 20
)

// StatusError reports a non-2xx response from a feed server.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed %s returned %s", redactURL(e.URL), e.Status)
}

// FetcherConfig tunes the HTTP client used for feeds.
type FetcherConfig struct {
	Timeout   time.Duration
	Retries   int
	UserAgent string
	MaxBytes  int64
}

// Fetcher retrieves ICS feeds. Every call goes to the network; feeds are
// never cached locally.
type Fetcher struct {
	client    *retryablehttp.Client
	userAgent string
	maxBytes  int64
}

// NewFetcher creates a new ICS Fetcher. Zero values in cfg take defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxFeedBytes
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = cfg.Timeout
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{}
	// Hand the final response back instead of a generic "giving up" error so
	// the status code can be reported.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Fetcher{
		client:    client,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
	}
}

// Fetch GETs url and returns the body. Network errors, timeouts and non-2xx
// statuses are all returned as errors; a *StatusError for the latter.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("feed URL is empty")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	appLog.Info("ics fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redactURL(url), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redactURL(url), err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("feed %s exceeds %d bytes", redactURL(url), f.maxBytes)
	}

	appLog.Info("ics fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
	return body, nil
}

// leveledLogger routes retryablehttp's request logging into appLog.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { appLog.Error(msg, nil, kv...) }
func (leveledLogger) Info(msg string, kv ...interface{})  { appLog.Debug(msg, kv...) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { appLog.Debug(msg, kv...) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { appLog.Warn(msg, kv...) }

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	i += 3

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	// Strip userinfo.
	host := u[i:j]
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return u[:i] + host + redactedSuffix
}

// RedactURL is exported for callers that log feed URLs.
func RedactURL(u string) string {
	return redactURL(u)
}
