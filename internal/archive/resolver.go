// Package archive resolves URLs to Wayback Machine snapshots through the CDX API.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/releasetrail/internal/cache"
	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/ratelimit"
)

// ErrNotFound is returned when no snapshot could be resolved
var ErrNotFound = errors.New("no archived snapshot")

// Swappable for tests
var (
	sleepFunc  = sleepCtx
	jitterFunc = func() time.Duration {
		return time.Duration(rand.Float64() * float64(3*time.Second))
	}
)

// Query describes one snapshot lookup
type Query struct {
	URL string
	// AsOf is YYYYMMDDhhmmss or any prefix of it; empty means no upper bound
	AsOf string
	// Limit 0 omits the parameter; negative selects the last captures
	Limit int
}

// Resolver is the CDX client
type Resolver struct {
	client         *http.Client
	endpoint       string
	prefix         string
	userAgent      string
	maxAttempts    int
	transportDelay time.Duration
	cache          cache.Cache
	cacheTTL       time.Duration
	limiter        *ratelimit.Limiter
	log            *zap.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithCache stores positive resolutions in c
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithLimiter paces requests to the CDX host
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Resolver) { r.limiter = l }
}

// WithUserAgent sets the User-Agent header on CDX requests
func WithUserAgent(ua string) Option {
	return func(r *Resolver) { r.userAgent = ua }
}

// NewResolver creates a resolver from the archive configuration
func NewResolver(client *http.Client, cfg model.ArchiveConfig, log *zap.Logger, opts ...Option) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{
		client:         client,
		endpoint:       cfg.Endpoint,
		prefix:         strings.TrimRight(cfg.Prefix, "/"),
		maxAttempts:    cfg.MaxAttempts,
		transportDelay: cfg.TransportDelay,
		cache:          cache.Nop{},
		log:            log,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 5
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prefix returns the snapshot URL prefix, e.g. http://web.archive.org/web
func (r *Resolver) Prefix() string {
	return r.prefix
}

// IsArchived reports whether rawURL already points into the archive
func (r *Resolver) IsArchived(rawURL string) bool {
	return strings.HasPrefix(stripScheme(rawURL), stripScheme(r.prefix)+"/")
}

func stripScheme(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		return u[i+3:]
	}
	return u
}

// Resolve returns the snapshot URL for q. Every terminal no-result outcome
// wraps ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, q Query) (string, error) {
	key := cache.Key("cdx", q.URL, q.AsOf, strconv.Itoa(q.Limit))
	if cached, ok := r.cache.Get(key); ok {
		if r.IsArchived(string(cached)) {
			return string(cached), nil
		}
		// Written under another archive prefix
		if err := r.cache.Delete(key); err != nil {
			r.log.Debug("cache delete failed", zap.Error(err))
		}
	}

	reqURL, err := r.queryURL(q)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	log := r.log.With(zap.String("url", q.URL))

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx, reqURL); err != nil {
				return "", err
			}
		}

		status, body, err := r.get(ctx, reqURL)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warn("CDX request failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if err := sleepFunc(ctx, r.transportDelay); err != nil {
				return "", err
			}
			continue
		}

		switch status {
		case http.StatusOK:
			snapshot, err := r.parse(body)
			if err != nil {
				log.Warn("CDX response not usable", zap.Error(err))
				return "", fmt.Errorf("%w: %s: %v", ErrNotFound, q.URL, err)
			}
			if err := r.cache.Set(key, []byte(snapshot), r.cacheTTL); err != nil {
				log.Debug("cache write failed", zap.Error(err))
			}
			return snapshot, nil

		case http.StatusTooManyRequests:
			wait := backoff(attempt)
			log.Info("rate limited by archive, backing off",
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			if err := sleepFunc(ctx, wait); err != nil {
				return "", err
			}

		default:
			log.Warn("unexpected CDX status", zap.Int("status", status))
			return "", fmt.Errorf("%w: %s: status %d", ErrNotFound, q.URL, status)
		}
	}

	log.Warn("CDX attempts exhausted", zap.Int("attempts", r.maxAttempts))
	return "", fmt.Errorf("%w: %s: gave up after %d attempts", ErrNotFound, q.URL, r.maxAttempts)
}

func (r *Resolver) queryURL(q Query) (string, error) {
	if strings.TrimSpace(q.URL) == "" {
		return "", errors.New("empty URL")
	}
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	params := u.Query()
	params.Set("url", q.URL)
	params.Set("output", "json")
	if q.AsOf != "" {
		params.Set("to", q.AsOf)
	}
	if q.Limit != 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (r *Resolver) get(ctx context.Context, reqURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// parse zips the header row with the first value row
func (r *Resolver) parse(body []byte) (string, error) {
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	if len(rows) < 2 {
		return "", errors.New("no captures")
	}

	header, values := rows[0], rows[1]
	fields := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(values) {
			fields[name] = values[i]
		}
	}

	ts, original := fields["timestamp"], fields["original"]
	if ts == "" || original == "" {
		return "", errors.New("capture missing timestamp or original")
	}
	return fmt.Sprintf("%s/%s/%s", r.prefix, ts, original), nil
}

// backoff returns 2^attempt seconds plus jitter in [0, 3s)
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt)))*time.Second + jitterFunc()
}

// RawURL rewrites a playback URL so the archive serves the original bytes.
// /web/20240101000000/https://x/y.pdf becomes /web/20240101000000id_/https://x/y.pdf.
// URLs that are not playback URLs are returned unchanged.
func RawURL(snapshotURL string) string {
	head, ts, original, ok := splitPlayback(snapshotURL)
	if !ok {
		return snapshotURL
	}
	return head + ts + "id_/" + original
}

// OriginalURL returns the archived URL inside a playback URL.
// Other URLs are returned unchanged.
func OriginalURL(snapshotURL string) string {
	if _, _, original, ok := splitPlayback(snapshotURL); ok {
		return original
	}
	return snapshotURL
}

// splitPlayback splits {head}/web/{timestamp}{modifier}/{original}.
// The returned timestamp has its modifier (id_, if_, im_) removed.
func splitPlayback(u string) (head, ts, original string, ok bool) {
	const marker = "/web/"
	i := strings.Index(u, marker)
	if i < 0 {
		return "", "", "", false
	}
	rest := u[i+len(marker):]
	slash := strings.Index(rest, "/")
	if slash <= 0 {
		return "", "", "", false
	}
	ts = strings.TrimRightFunc(rest[:slash], func(r rune) bool { return r < '0' || r > '9' })
	if ts == "" || strings.Trim(ts, "0123456789") != "" {
		return "", "", "", false
	}
	return u[:i+len(marker)], ts, rest[slash+1:], true
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
