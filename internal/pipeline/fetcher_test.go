package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/releasetrail/internal/model"
	"github.com/ppiankov/releasetrail/internal/util"
)

func testHTTPConfig() model.HTTPConfig {
	cfg := model.DefaultConfig().HTTP
	cfg.UserAgent = "test-agent"
	cfg.MaxBodyBytes = 1 << 20
	cfg.MaxDownloadBytes = 1 << 20
	cfg.CurrentPageRetry = 2
	cfg.ArchivedPageRetry = 5
	return cfg
}

func newTestFetcher(opts ...FetcherOption) *Fetcher {
	return NewFetcher(&http.Client{Timeout: 5 * time.Second}, testHTTPConfig(), nil, opts...)
}

// noSleep records requested waits instead of sleeping
func noSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	orig := fetchSleepFunc
	fetchSleepFunc = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	t.Cleanup(func() { fetchSleepFunc = orig })
	return &waits
}

func TestFetchWithRetry_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("Expected User-Agent test-agent, got %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, "<html><body>OK</body></html>")
	}))
	defer server.Close()

	result, err := newTestFetcher().FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if string(result.Body) != "<html><body>OK</body></html>" {
		t.Errorf("Unexpected body: %s", result.Body)
	}
	if result.ContentType != "text/html" {
		t.Errorf("Unexpected content type: %s", result.ContentType)
	}
}

func TestFetchWithRetry_TransientThenSuccess(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = fmt.Fprint(w, "<html>OK</html>")
	}))
	defer server.Close()

	waits := noSleep(t)

	result, err := newTestFetcher().FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if string(result.Body) != "<html>OK</html>" {
		t.Errorf("Unexpected body: %s", result.Body)
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second}
	if fmt.Sprint(*waits) != fmt.Sprint(want) {
		t.Errorf("Expected doubling waits %v, got %v", want, *waits)
	}
}

func TestFetchWithRetry_PermanentFailure(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	noSleep(t)

	_, err := newTestFetcher().FetchWithRetry(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error for 404, got nil")
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusNotFound {
		t.Fatalf("Expected StatusError 404, got %v", err)
	}
	if got := err.Error(); got != "unexpected status: 404 Not Found" {
		t.Errorf("Unexpected error: %s", got)
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_AllRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	noSleep(t)

	_, err := newTestFetcher().FetchWithRetry(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected error after all retries exhausted")
	}
	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ArchivedBudget(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	waits := noSleep(t)

	fetcher := newTestFetcher(WithArchiveMatcher(func(string) bool { return true }))
	if _, err := fetcher.FetchWithRetry(context.Background(), server.URL); err == nil {
		t.Fatal("Expected error")
	}
	if attempts.Load() != 6 {
		t.Errorf("Expected 6 attempts for a snapshot, got %d", attempts.Load())
	}
	if (*waits)[4] != 80*time.Second {
		t.Errorf("Expected fifth wait of 80s, got %v", (*waits)[4])
	}
}

func TestFetchWithRetry_429Retried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, "<html>OK</html>")
	}))
	defer server.Close()

	noSleep(t)

	result, err := newTestFetcher().FetchWithRetry(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Expected success after 429 retry, got %v", err)
	}
	if string(result.Body) != "<html>OK</html>" {
		t.Errorf("Unexpected body: %s", result.Body)
	}
	if attempts.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts.Load())
	}
}

func TestFetchWithRetry_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	orig := fetchSleepFunc
	fetchSleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	defer func() { fetchSleepFunc = orig }()

	_, err := newTestFetcher().FetchWithRetry(ctx, server.URL)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLoad_ResolvesAgainstFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/news/list", http.StatusFound)
	})
	mux.HandleFunc("/news/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<a class="x" href="item">item</a>`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	doc, err := newTestFetcher().Load(context.Background(), server.URL+"/old")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Url.Path != "/news/list" {
		t.Errorf("Expected final URL path /news/list, got %s", doc.Url.Path)
	}
	href, _ := doc.Find("a.x").Attr("href")
	ref, _ := url.Parse(href)
	if got := doc.Url.ResolveReference(ref).Path; got != "/news/item" {
		t.Errorf("Expected /news/item, got %s", got)
	}
}

func TestLoad_DecodesDeclaredCharset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		// "Québec" in Latin-1
		_, _ = w.Write([]byte("<h1>Qu\xe9bec</h1>"))
	}))
	defer server.Close()

	doc, err := newTestFetcher().Load(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := doc.Find("h1").Text(); got != "Québec" {
		t.Errorf("Expected decoded heading, got %q", got)
	}
}

func TestFetch_RobotsDisallowed(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
			return
		}
		hits.Add(1)
		_, _ = fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	robots := util.NewRobotsChecker(client, "test-agent")

	live := newTestFetcher(WithRobots(robots))
	if _, err := live.Fetch(context.Background(), server.URL+"/private/page"); !errors.Is(err, ErrDisallowed) {
		t.Fatalf("Expected ErrDisallowed, got %v", err)
	}
	if _, err := live.Fetch(context.Background(), server.URL+"/public"); err != nil {
		t.Fatalf("Expected allowed, got %v", err)
	}

	archived := newTestFetcher(WithRobots(robots), WithArchiveMatcher(func(string) bool { return true }))
	if _, err := archived.Fetch(context.Background(), server.URL+"/private/page"); err != nil {
		t.Fatalf("Expected snapshots to skip robots, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected 2 page hits, got %d", hits.Load())
	}
}

func TestDownload_WritesAtomically(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/big.pdf" {
			_, _ = fmt.Fprint(w, strings.Repeat("x", 2<<20))
			return
		}
		_, _ = fmt.Fprint(w, "%PDF-1.4 body")
	}))
	defer server.Close()

	dir := t.TempDir()
	fetcher := newTestFetcher()

	dest := filepath.Join(dir, "org", "current", "a.pdf")
	n, err := fetcher.Download(context.Background(), server.URL+"/a.pdf", dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "%PDF-1.4 body" || n != int64(len(data)) {
		t.Errorf("Unexpected file contents %q (%d bytes reported)", data, n)
	}

	big := filepath.Join(dir, "org", "current", "big.pdf")
	if _, err := fetcher.Download(context.Background(), server.URL+"/big.pdf", big); err == nil {
		t.Fatal("Expected oversized download to fail")
	}
	if _, err := os.Stat(big); !os.IsNotExist(err) {
		t.Errorf("Expected no file for failed download, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("Expected only a.pdf, found %d entries", len(entries))
	}
}

func TestFetch_OversizedBodyRejected(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path == "/exact" {
			_, _ = fmt.Fprint(w, strings.Repeat("x", 16))
			return
		}
		_, _ = fmt.Fprint(w, strings.Repeat("x", 17))
	}))
	defer server.Close()
	noSleep(t)

	cfg := testHTTPConfig()
	cfg.MaxBodyBytes = 16
	fetcher := NewFetcher(&http.Client{Timeout: 5 * time.Second}, cfg, nil)

	result, err := fetcher.FetchWithRetry(context.Background(), server.URL+"/exact")
	if err != nil || len(result.Body) != 16 {
		t.Fatalf("Expected body of exactly the limit to pass, got %v", err)
	}

	_, err = fetcher.FetchWithRetry(context.Background(), server.URL+"/big")
	if err == nil || !strings.Contains(err.Error(), "exceeds 16 bytes") {
		t.Fatalf("Expected size error, got %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("Expected oversized body not retried, got %d requests", got)
	}
}

func TestIsRetryableFetchError(t *testing.T) {
	transport := fmt.Errorf("fetch: %w", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")})
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"503", &StatusError{Code: 503, Status: "503 Service Unavailable"}, true},
		{"500", &StatusError{Code: 500, Status: "500 Internal Server Error"}, true},
		{"502", &StatusError{Code: 502, Status: "502 Bad Gateway"}, true},
		{"429", &StatusError{Code: 429, Status: "429 Too Many Requests"}, true},
		{"404", &StatusError{Code: 404, Status: "404 Not Found"}, false},
		{"403", &StatusError{Code: 403, Status: "403 Forbidden"}, false},
		{"transport", transport, true},
		{"robots", fmt.Errorf("%w: http://x/private", ErrDisallowed), false},
		{"create request", errors.New("create request: invalid URL"), false},
		{"read body", errors.New("read body: unexpected EOF"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableFetchError(tt.err); got != tt.retryable {
				t.Errorf("isRetryableFetchError(%v) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestIsRetryableFetchError_Nil(t *testing.T) {
	if isRetryableFetchError(nil) {
		t.Error("Expected nil error to not be retryable")
	}
}
