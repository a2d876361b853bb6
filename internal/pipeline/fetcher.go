package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/ratelimit"
	"github.com/ppiankov/releasetrail/internal/util"
)

// ErrDisallowed is returned when robots.txt forbids a live URL
var ErrDisallowed = errors.New("disallowed by robots.txt")

// Override in tests
var fetchSleepFunc = sleepCtx

// StatusError is a non-2xx response
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "unexpected status: " + e.Status
}

// Fetcher loads listing pages, article pages and PDF assets. It implements
// sites.Browser; one Fetcher is shared by every stage of a run.
type Fetcher struct {
	httpClient     *http.Client
	downloadClient *http.Client
	userAgent      string
	maxBytes       int64
	maxDownload    int64

	retryWait       time.Duration
	currentRetries  int
	archivedRetries int

	robots     *util.RobotsChecker
	limiter    *ratelimit.Limiter
	isArchived func(string) bool
	log        *zap.Logger
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithRobots checks live URLs against robots.txt
func WithRobots(r *util.RobotsChecker) FetcherOption {
	return func(f *Fetcher) { f.robots = r }
}

// WithHostLimiter paces requests per host
func WithHostLimiter(l *ratelimit.Limiter) FetcherOption {
	return func(f *Fetcher) { f.limiter = l }
}

// WithArchiveMatcher marks which URLs are snapshots. Snapshots skip robots
// checks and get the archived retry budget.
func WithArchiveMatcher(match func(string) bool) FetcherOption {
	return func(f *Fetcher) { f.isArchived = match }
}

// WithDownloadClient uses a separate client for PDF downloads
func WithDownloadClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.downloadClient = c }
}

// NewFetcher creates a Fetcher with the given HTTP configuration
func NewFetcher(client *http.Client, cfg model.HTTPConfig, log *zap.Logger, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = util.NewHTTPClient(cfg, cfg.Timeout)
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fetcher{
		httpClient:      client,
		downloadClient:  client,
		userAgent:       cfg.UserAgent,
		maxBytes:        cfg.MaxBodyBytes,
		maxDownload:     cfg.MaxDownloadBytes,
		retryWait:       cfg.PageRetryWait,
		currentRetries:  cfg.CurrentPageRetry,
		archivedRetries: cfg.ArchivedPageRetry,
		isArchived:      func(string) bool { return false },
		log:             log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchResult contains the fetched body and metadata
type FetchResult struct {
	Body        []byte
	ContentType string
	FinalURL    string
}

// Fetch performs one GET of rawURL
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	resp, err := f.get(ctx, f.httpClient, rawURL, "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(limitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("read body: exceeds %d bytes", f.maxBytes)
	}

	return &FetchResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// FetchWithRetry fetches rawURL, retrying transient failures with a doubling
// wait. Snapshot URLs get the archived retry budget.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string) (*FetchResult, error) {
	var result *FetchResult
	err := f.retry(ctx, rawURL, func() error {
		var err error
		result, err = f.Fetch(ctx, rawURL)
		return err
	})
	return result, err
}

// Load fetches rawURL and parses it. The document URL is the final URL after
// redirects so relative links resolve against it.
func (f *Fetcher) Load(ctx context.Context, rawURL string) (*goquery.Document, error) {
	result, err := f.FetchWithRetry(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	body, err := charset.NewReader(bytes.NewReader(result.Body), result.ContentType)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	if doc.Url, err = url.Parse(result.FinalURL); err != nil {
		return nil, fmt.Errorf("parse final URL: %w", err)
	}
	return doc, nil
}

// Download saves rawURL to dest through a temp file in the same directory.
// A partial or oversized body never appears at dest.
func (f *Fetcher) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	var written int64
	err := f.retry(ctx, rawURL, func() error {
		var err error
		written, err = f.download(ctx, rawURL, dest)
		return err
	})
	return written, err
}

func (f *Fetcher) download(ctx context.Context, rawURL, dest string) (int64, error) {
	resp, err := f.get(ctx, f.downloadClient, rawURL, "application/pdf,*/*;q=0.8")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, limitReader(resp.Body, f.maxDownload))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	if f.maxDownload > 0 && n > f.maxDownload {
		return 0, fmt.Errorf("read body: exceeds %d bytes", f.maxDownload)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}

func (f *Fetcher) get(ctx context.Context, client *http.Client, rawURL, accept string) (*http.Response, error) {
	if err := f.polite(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		// Not wrapped: a malformed URL is a *url.Error but never transient
		return nil, fmt.Errorf("create request: %v", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// polite applies robots.txt (live URLs only) and per-host pacing
func (f *Fetcher) polite(ctx context.Context, rawURL string) error {
	var delay time.Duration
	if f.robots != nil && !f.isArchived(rawURL) {
		allowed, crawlDelay, err := f.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return fmt.Errorf("robots: %w", err)
		}
		if !allowed {
			return fmt.Errorf("%w: %s", ErrDisallowed, rawURL)
		}
		delay = crawlDelay
	}
	if f.limiter == nil {
		return nil
	}
	return f.limiter.WaitWithDelay(ctx, rawURL, delay)
}

func (f *Fetcher) retry(ctx context.Context, rawURL string, fn func() error) error {
	retries := f.currentRetries
	if f.isArchived(rawURL) {
		retries = f.archivedRetries
	}

	wait := f.retryWait
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			f.log.Info("retrying", zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Duration("wait", wait), zap.Error(err))
			if serr := fetchSleepFunc(ctx, wait); serr != nil {
				return serr
			}
			wait *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryableFetchError(err) {
			return err
		}
	}
	return err
}

// isRetryableFetchError reports whether a fetch error is transient:
// transport failures, 5xx and 429
func isRetryableFetchError(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500 || status.Code == http.StatusTooManyRequests
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// limitReader caps r one byte past n so callers can tell an oversized body
// from one of exactly n bytes; n <= 0 reads everything
func limitReader(r io.Reader, n int64) io.Reader {
	if n <= 0 {
		return r
	}
	return io.LimitReader(r, n+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
