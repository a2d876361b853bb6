package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/releasetrail/internal/cache"
	"github.com/ppiankov/releasetrail/internal/model"
)

const cdxBody = `[["urlkey","timestamp","original","mimetype","statuscode","digest","length"],` +
	`["com,suncor)/news","20240615083000","https://www.suncor.com/news","text/html","200","ABC","1234"]]`

func testResolver(endpoint string, opts ...Option) *Resolver {
	cfg := model.DefaultConfig().Archive
	cfg.Endpoint = endpoint
	cfg.TransportDelay = 2 * time.Second
	return NewResolver(nil, cfg, nil, opts...)
}

// recordSleeps replaces sleepFunc and returns the recorded waits
func recordSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	origSleep, origJitter := sleepFunc, jitterFunc
	sleepFunc = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	jitterFunc = func() time.Duration { return 500 * time.Millisecond }
	t.Cleanup(func() {
		sleepFunc = origSleep
		jitterFunc = origJitter
	})
	return &waits
}

func TestResolve_Success(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		_, _ = fmt.Fprint(w, cdxBody)
	}))
	defer server.Close()

	r := testResolver(server.URL + "/cdx/search/cdx")
	got, err := r.Resolve(context.Background(), Query{URL: "https://www.suncor.com/news", AsOf: "20240620", Limit: -1})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	want := "http://web.archive.org/web/20240615083000/https://www.suncor.com/news"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	q := gotQuery.Load().(url.Values)
	checks := map[string]string{
		"url":    "https://www.suncor.com/news",
		"output": "json",
		"to":     "20240620",
		"limit":  "-1",
	}
	for k, v := range checks {
		if len(q[k]) != 1 || q[k][0] != v {
			t.Errorf("Expected %s=%s, got %v", k, v, q[k])
		}
	}
}

func TestResolve_OmitsEmptyParams(t *testing.T) {
	var gotQuery atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		_, _ = fmt.Fprint(w, cdxBody)
	}))
	defer server.Close()

	r := testResolver(server.URL)
	if _, err := r.Resolve(context.Background(), Query{URL: "https://www.suncor.com/news"}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	raw := gotQuery.Load().(string)
	for _, p := range []string{"to=", "limit="} {
		if strings.Contains(raw, p) {
			t.Errorf("Expected %q to be omitted from %s", p, raw)
		}
	}
}

func TestResolve_RetriesOn429(t *testing.T) {
	waits := recordSleeps(t)

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = fmt.Fprint(w, cdxBody)
	}))
	defer server.Close()

	r := testResolver(server.URL)
	got, err := r.Resolve(context.Background(), Query{URL: "https://www.suncor.com/news"})
	if err != nil {
		t.Fatalf("Expected success after 429s, got %v", err)
	}
	if got == "" {
		t.Fatal("Expected a snapshot URL")
	}
	if attempts.Load() != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts.Load())
	}

	want := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 4500 * time.Millisecond}
	if len(*waits) != len(want) {
		t.Fatalf("Expected %d sleeps, got %v", len(want), *waits)
	}
	for i, w := range want {
		if (*waits)[i] != w {
			t.Errorf("Sleep %d: expected %v, got %v", i, w, (*waits)[i])
		}
	}
}

func TestResolve_ExhaustedReturnsNotFound(t *testing.T) {
	waits := recordSleeps(t)

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	r := testResolver(server.URL)
	_, err := r.Resolve(context.Background(), Query{URL: "https://www.suncor.com/news"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if attempts.Load() != 5 {
		t.Errorf("Expected 5 attempts, got %d", attempts.Load())
	}
	if len(*waits) != 5 {
		t.Errorf("Expected 5 backoff sleeps, got %d", len(*waits))
	}
}

func TestResolve_EmptyResults(t *testing.T) {
	for name, body := range map[string]string{
		"empty array": "[]",
		"header only": `[["urlkey","timestamp","original"]]`,
		"not json":    "<html>busy</html>",
	} {
		t.Run(name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				_, _ = fmt.Fprint(w, body)
			}))
			defer server.Close()

			_, err := testResolver(server.URL).Resolve(context.Background(), Query{URL: "https://x.test/"})
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
			if attempts.Load() != 1 {
				t.Errorf("Expected a single attempt, got %d", attempts.Load())
			}
		})
	}
}

func TestResolve_OtherStatusStops(t *testing.T) {
	recordSleeps(t)

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := testResolver(server.URL).Resolve(context.Background(), Query{URL: "https://x.test/"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected 1 attempt for 500, got %d", attempts.Load())
	}
}

func TestResolve_TransportErrorRetries(t *testing.T) {
	waits := recordSleeps(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := server.URL
	server.Close()

	_, err := testResolver(endpoint).Resolve(context.Background(), Query{URL: "https://x.test/"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if len(*waits) != 5 {
		t.Fatalf("Expected 5 transport sleeps, got %d", len(*waits))
	}
	for _, w := range *waits {
		if w != 2*time.Second {
			t.Errorf("Expected fixed 2s delay, got %v", w)
		}
	}
}

func TestResolve_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testResolver(server.URL).Resolve(ctx, Query{URL: "https://x.test/"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestResolve_CachesPositiveResults(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		_, _ = fmt.Fprint(w, cdxBody)
	}))
	defer server.Close()

	mem := cache.NewMemoryCache(time.Minute, time.Minute)
	r := testResolver(server.URL, WithCache(mem, time.Minute))
	q := Query{URL: "https://www.suncor.com/news", AsOf: "20240620"}

	first, err := r.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := r.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if first != second {
		t.Errorf("Expected cached result %s, got %s", first, second)
	}
	if attempts.Load() != 1 {
		t.Errorf("Expected 1 CDX request, got %d", attempts.Load())
	}

	// Different AsOf is a different key
	if _, err := r.Resolve(context.Background(), Query{URL: q.URL}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("Expected 2 CDX requests, got %d", attempts.Load())
	}
}

func TestResolve_EvictsEntryFromOtherPrefix(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		_, _ = fmt.Fprint(w, cdxBody)
	}))
	defer server.Close()

	mem := cache.NewMemoryCache(time.Minute, time.Minute)
	r := testResolver(server.URL, WithCache(mem, time.Minute))
	q := Query{URL: "https://www.suncor.com/news", AsOf: "20240620"}
	key := cache.Key("cdx", q.URL, q.AsOf, "0")
	if err := mem.Set(key, []byte("https://mirror.test/web/20200101000000/https://www.suncor.com/news"), 0); err != nil {
		t.Fatal(err)
	}

	got, err := r.Resolve(context.Background(), q)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !r.IsArchived(got) || attempts.Load() != 1 {
		t.Errorf("Expected fresh lookup under %s, got %s after %d requests", r.Prefix(), got, attempts.Load())
	}
	if cached, ok := mem.Get(key); !ok || string(cached) != got {
		t.Errorf("Expected cache to hold %s, got %q", got, cached)
	}
}

func TestBackoff(t *testing.T) {
	orig := jitterFunc
	jitterFunc = func() time.Duration { return 0 }
	defer func() { jitterFunc = orig }()

	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		if got := backoff(attempt); got != want {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestJitterRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := jitterFunc()
		if j < 0 || j >= 3*time.Second {
			t.Fatalf("jitter %v out of [0, 3s)", j)
		}
	}
}

func TestRawURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{
			"http://web.archive.org/web/20240101000000/https://www.suncor.com/a.pdf",
			"http://web.archive.org/web/20240101000000id_/https://www.suncor.com/a.pdf",
		},
		{
			"http://web.archive.org/web/20240101000000id_/https://www.suncor.com/a.pdf",
			"http://web.archive.org/web/20240101000000id_/https://www.suncor.com/a.pdf",
		},
		{
			"https://web.archive.org/web/20240101000000if_/https://x.test/b.pdf",
			"https://web.archive.org/web/20240101000000id_/https://x.test/b.pdf",
		},
		{"https://www.suncor.com/a.pdf", "https://www.suncor.com/a.pdf"},
		{"https://x.test/web/news/a.pdf", "https://x.test/web/news/a.pdf"},
	}
	for _, tt := range tests {
		if got := RawURL(tt.in); got != tt.want {
			t.Errorf("RawURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOriginalURL(t *testing.T) {
	got := OriginalURL("http://web.archive.org/web/20240101000000/https://www.enbridge.com/news?year=2023")
	if got != "https://www.enbridge.com/news?year=2023" {
		t.Errorf("Unexpected original %q", got)
	}
	if got := OriginalURL("https://www.enbridge.com/news"); got != "https://www.enbridge.com/news" {
		t.Errorf("Expected live URL unchanged, got %q", got)
	}
}

func TestIsArchived(t *testing.T) {
	r := testResolver("http://unused")
	if !r.IsArchived("https://web.archive.org/web/2024/https://x.test/") {
		t.Error("Expected https playback URL to count as archived")
	}
	if r.IsArchived("https://www.enbridge.com/news") {
		t.Error("Expected live URL to not count as archived")
	}
}
