package webcache_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/store"
	"github.com/basket/syncbox/internal/webcache"
)

func newTestCache(t *testing.T, upstream string, version int, eventBus *bus.Bus) (*webcache.Cache, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "syncbox.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return newCacheOn(t, s, upstream, version, eventBus), s
}

func newCacheOn(t *testing.T, s *store.Store, upstream string, version int, eventBus *bus.Bus) *webcache.Cache {
	t.Helper()
	base, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	return webcache.New(webcache.Config{
		Store:        s,
		Bus:          eventBus,
		Base:         base,
		HTTPClient:   &http.Client{Timeout: 2 * time.Second},
		ShellVersion: version,
		Manifest:     []string{"/", "/offline", "/static/js/common.js"},
		OfflinePath:  "/offline",
		APIPrefix:    "/api/",
	})
}

func shellUpstream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Write([]byte("<html>home</html>"))
		case "/offline":
			w.Write([]byte("<html>you are offline</html>"))
		case "/static/js/common.js":
			w.Header().Set("Content-Type", "application/javascript")
			w.Write([]byte("console.log('common')"))
		case "/api/transactions/":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"id":1}]`))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestInstall_PrecachesManifestAtomically(t *testing.T) {
	server := httptest.NewServer(shellUpstream())
	defer server.Close()

	cache, s := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	if err := cache.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}

	for _, path := range []string{"/", "/offline", "/static/js/common.js"} {
		entry, err := s.GetCacheEntry(ctx, cache.StaticGeneration(), path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		if entry == nil {
			t.Fatalf("manifest entry %s not cached", path)
		}
	}
}

func TestInstall_FailingManifestEntryAbortsWholeInstall(t *testing.T) {
	// "/static/js/common.js" 404s; nothing at all may land in the cache.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/static/js/common.js" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	cache, s := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	if err := cache.Install(ctx); err == nil {
		t.Fatal("expected install to fail")
	}
	gens, err := s.Generations(ctx)
	if err != nil {
		t.Fatalf("generations: %v", err)
	}
	if len(gens) != 0 {
		t.Fatalf("partial install left generations %v", gens)
	}
}

func TestFetch_NetworkFirstPopulatesDynamicCache(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"amount":42}]`))
	}))

	cache, s := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	res, err := cache.Fetch(ctx, "/api/transactions/", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != webcache.SourceNetwork || res.Status != http.StatusOK {
		t.Fatalf("result = %+v", res)
	}

	entry, err := s.GetCacheEntry(ctx, cache.DynamicGeneration(), "/api/transactions/")
	if err != nil || entry == nil {
		t.Fatalf("dynamic cache not populated: entry=%v err=%v", entry, err)
	}

	// Upstream gone: the same read now serves the cached copy.
	server.Close()
	res, err = cache.Fetch(ctx, "/api/transactions/", nil)
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if res.Source != webcache.SourceCache {
		t.Fatalf("source = %s, want cache", res.Source)
	}
	if string(res.Body) != `[{"id":1,"amount":42}]` {
		t.Fatalf("body = %s", res.Body)
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d, want 1", hits.Load())
	}
}

func TestFetch_QueryVariantsCacheIndependently(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"range":"` + r.URL.RawQuery + `"}`))
	}))

	cache, _ := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	for _, q := range []string{"start=2026-01-01&end=2026-01-31", "start=2026-02-01&end=2026-02-28"} {
		res, err := cache.Fetch(ctx, "/api/schedules?"+q, nil)
		if err != nil {
			t.Fatalf("fetch %s: %v", q, err)
		}
		if string(res.Body) != `{"range":"`+q+`"}` {
			t.Fatalf("upstream did not see query %q: body=%s", q, res.Body)
		}
	}

	// Offline, each range serves its own cached copy; an unseen range is
	// a miss, not January's data.
	server.Close()
	res, err := cache.Fetch(ctx, "/api/schedules?start=2026-02-01&end=2026-02-28", nil)
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if res.Source != webcache.SourceCache || string(res.Body) != `{"range":"start=2026-02-01&end=2026-02-28"}` {
		t.Fatalf("cached variant = %+v body=%s", res, res.Body)
	}
	if _, err := cache.Fetch(ctx, "/api/schedules?start=2026-03-01&end=2026-03-31", nil); err == nil {
		t.Fatal("unseen query variant served stale data")
	}
}

func TestFetch_CacheFirstMissPopulatesDynamic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/reports" {
			w.Write([]byte("<html>reports</html>"))
			return
		}
		http.NotFound(w, r)
	}))

	cache, s := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	res, err := cache.Fetch(ctx, "/reports", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != webcache.SourceNetwork {
		t.Fatalf("source = %s, want network", res.Source)
	}

	// Runtime-fetched pages land in the dynamic generation; static holds
	// only the install manifest.
	if entry, _ := s.GetCacheEntry(ctx, cache.DynamicGeneration(), "/reports"); entry == nil {
		t.Fatal("runtime fetch did not populate the dynamic generation")
	}
	if entry, _ := s.GetCacheEntry(ctx, cache.StaticGeneration(), "/reports"); entry != nil {
		t.Fatal("runtime fetch leaked into the static generation")
	}

	server.Close()
	res, err = cache.Fetch(ctx, "/reports", nil)
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if res.Source != webcache.SourceCache || string(res.Body) != "<html>reports</html>" {
		t.Fatalf("result = %+v body=%s", res, res.Body)
	}
}

func TestFetch_CacheFirstServesShellWithoutNetwork(t *testing.T) {
	server := httptest.NewServer(shellUpstream())
	cache, _ := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	if err := cache.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	server.Close()

	res, err := cache.Fetch(ctx, "/static/js/common.js", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != webcache.SourceCache || string(res.Body) != "console.log('common')" {
		t.Fatalf("result = %+v body=%s", res, res.Body)
	}
}

func TestFetch_OfflineNavigationServesFallbackPage(t *testing.T) {
	server := httptest.NewServer(shellUpstream())
	cache, _ := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	if err := cache.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	server.Close()

	// An uncached page, requested as a navigation, while offline.
	header := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}
	res, err := cache.Fetch(ctx, "/reports", header)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Source != webcache.SourceFallback {
		t.Fatalf("source = %s, want fallback", res.Source)
	}
	if string(res.Body) != "<html>you are offline</html>" {
		t.Fatal("fallback page is not the precached offline page byte-for-byte")
	}

	// The same miss as a plain fetch (no text/html accept) is an error.
	if _, err := cache.Fetch(ctx, "/reports", nil); err == nil {
		t.Fatal("non-navigation offline miss must error")
	}
}

func TestActivate_PrunesSupersededGenerations(t *testing.T) {
	server := httptest.NewServer(shellUpstream())
	defer server.Close()

	eventBus := bus.New()
	sub := eventBus.Subscribe(bus.TopicCacheActivated)
	defer eventBus.Unsubscribe(sub)

	v1, s := newTestCache(t, server.URL, 1, eventBus)
	ctx := context.Background()

	if err := v1.Install(ctx); err != nil {
		t.Fatalf("install v1: %v", err)
	}
	if err := v1.Activate(ctx); err != nil {
		t.Fatalf("activate v1: %v", err)
	}
	// Populate v1's dynamic generation too.
	if _, err := v1.Fetch(ctx, "/api/transactions/", nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	v2 := newCacheOn(t, s, server.URL, 2, eventBus)
	if err := v2.Install(ctx); err != nil {
		t.Fatalf("install v2: %v", err)
	}
	if err := v2.Activate(ctx); err != nil {
		t.Fatalf("activate v2: %v", err)
	}

	gens, err := s.Generations(ctx)
	if err != nil {
		t.Fatalf("generations: %v", err)
	}
	for _, g := range gens {
		if g != v2.StaticGeneration() && g != v2.DynamicGeneration() {
			t.Fatalf("superseded generation %q survived activation (all: %v)", g, gens)
		}
	}
	if entry, _ := s.GetCacheEntry(ctx, v1.StaticGeneration(), "/"); entry != nil {
		t.Fatal("v1 shell entry survived cutover")
	}
	if entry, _ := s.GetCacheEntry(ctx, v2.StaticGeneration(), "/"); entry == nil {
		t.Fatal("v2 shell entry missing after cutover")
	}

	// Activation was announced on the bus.
	drainUntil(t, sub, func(ev bus.CacheEvent) bool {
		return ev.StaticGeneration == v2.StaticGeneration() && ev.Pruned >= 2
	})
}

func drainUntil(t *testing.T, sub *bus.Subscription, ok func(bus.CacheEvent) bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if ce, isCache := ev.Payload.(bus.CacheEvent); isCache && ok(ce) {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for cache.activated event")
		}
	}
}

func TestInstall_SecondRunIsNoOp(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	cache, _ := newTestCache(t, server.URL, 1, nil)
	ctx := context.Background()

	if err := cache.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := cache.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	first := hits.Load()

	if err := cache.Install(ctx); err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if hits.Load() != first {
		t.Fatal("reinstall of the current generation refetched the manifest")
	}
}
