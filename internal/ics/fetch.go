package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appLog "teamfeed/internal/log"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
)

// FetchError reports a feed that could not be downloaded. StatusCode is zero
// for transport failures (DNS, refused connection, timeout).
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: unexpected status %d %s", RedactURL(e.URL), e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", RedactURL(e.URL), e.Err)
	default:
		return fmt.Sprintf("fetch %s: failed", RedactURL(e.URL))
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the fetch failed because a deadline passed.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// FetchResult contains the outcome of fetching a single feed.
type FetchResult struct {
	// URL is the normalized URL that was requested.
	URL      string
	Body     []byte
	Status   int
	Duration time.Duration
}

// Fetcher downloads calendar feeds. It never caches and never retries;
// retry policy belongs to the caller.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the underlying client. Its Timeout is kept as is.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithMaxBytes caps the response body size.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewFetcher creates a Fetcher whose requests time out after timeout
// (30s when zero).
func NewFetcher(timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	f := &Fetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NormalizeURL maps the webcal:// and webcals:// aliases to https:// and
// rejects anything that is not HTTP(S) afterwards.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("feed URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "webcal", "webcals", "https":
		u.Scheme = "https"
	case "http":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("unsupported feed scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("feed URL has no host")
	}
	return u.String(), nil
}

// Fetch downloads the feed at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return FetchResult{}, &FetchError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, &FetchError{URL: target, Err: err}
	}
	req.Header.Set("Accept", "text/calendar")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	appLog.Debug("feed fetch start", "url", RedactURL(target))
	started := time.Now()

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return FetchResult{}, &FetchError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return FetchResult{}, &FetchError{URL: target, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return FetchResult{}, &FetchError{URL: target, Err: fmt.Errorf("feed larger than %d bytes", f.maxBytes)}
	}

	res := FetchResult{
		URL:      target,
		Body:     body,
		Status:   resp.StatusCode,
		Duration: time.Since(started),
	}
	appLog.Info("feed fetch success", "url", RedactURL(target), "status", resp.StatusCode, "bytes", len(body), "took", res.Duration)
	return res, nil
}

// RedactURL hides sensitive parts of a feed URL for logging purposes.
// Provider feed URLs usually embed a private token in the path or query.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "feed://...(redacted)"
	}
	i += 3

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + redactedSuffix
}
