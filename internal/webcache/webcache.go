// Package webcache intercepts GET traffic between the local app and the
// upstream, keeping versioned response caches so previously visited
// routes keep working with no connectivity. Two strategies apply by
// route: API reads are network-first (fresh data wins, cache is the
// fallback), the application shell is cache-first (instant load, network
// fills misses).
package webcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/store"
)

// Source reports where a fetched response came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// ErrUnavailable is returned when a fetch fails on the network and no
// cached response (or fallback page) can serve it.
var ErrUnavailable = errors.New("webcache: no network and no cached response")

// Result is a response ready to relay to the local app.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// KV keys recording which generation pair is live.
const (
	kvCurrentStatic  = "cache.current_static"
	kvCurrentDynamic = "cache.current_dynamic"
)

// Config holds the dependencies and shell description for the cache.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Base       *url.URL
	HTTPClient *http.Client
	Logger     *slog.Logger

	// ShellVersion numbers the generation pair. Bumping it makes Install
	// build a fresh static generation and Activate prune the old pair.
	ShellVersion int

	// Manifest lists the root-relative shell URLs precached at install.
	Manifest []string

	// OfflinePath is the cached page served when a navigation fails both
	// network and cache.
	OfflinePath string

	// APIPrefix marks routes handled network-first.
	APIPrefix string
}

// Cache is the interception layer. One instance serves one generation
// pair; a config reload with a new shell version builds a new instance.
type Cache struct {
	cfg     Config
	static  string
	dynamic string
}

func New(cfg Config) *Cache {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OfflinePath == "" {
		cfg.OfflinePath = "/offline"
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	v := strconv.Itoa(cfg.ShellVersion)
	return &Cache{
		cfg:     cfg,
		static:  "static-v" + v,
		dynamic: "dynamic-v" + v,
	}
}

// StaticGeneration returns the shell generation name for this version.
func (c *Cache) StaticGeneration() string { return c.static }

// DynamicGeneration returns the API-read generation name for this version.
func (c *Cache) DynamicGeneration() string { return c.dynamic }

// Install eagerly fetches the shell manifest into the static generation.
// The write is one transaction: if any manifest URL fails to fetch, no
// entry lands and the previous generation stays intact. Re-running
// Install for an already-current version is a no-op.
func (c *Cache) Install(ctx context.Context) error {
	current, err := c.cfg.Store.GetKV(ctx, kvCurrentStatic)
	if err != nil {
		return fmt.Errorf("read current generation: %w", err)
	}
	if current == c.static {
		c.cfg.Logger.Debug("shell already installed", "generation", c.static)
		return nil
	}

	entries := make([]store.CacheEntry, 0, len(c.cfg.Manifest))
	for _, path := range c.cfg.Manifest {
		status, header, body, err := c.fetchUpstream(ctx, path, nil)
		if err != nil {
			return fmt.Errorf("install %s: %w", path, err)
		}
		if status < 200 || status > 299 {
			return fmt.Errorf("install %s: upstream returned %d", path, status)
		}
		entries = append(entries, store.CacheEntry{
			Generation: c.static,
			URL:        path,
			Status:     status,
			Headers:    header,
			Body:       body,
		})
	}

	if err := c.cfg.Store.PutCacheEntries(ctx, entries); err != nil {
		return fmt.Errorf("install shell: %w", err)
	}
	c.cfg.Logger.Info("shell installed", "generation", c.static, "entries", len(entries))
	return nil
}

// Activate makes this generation pair current: every other generation is
// deleted, the KV pointers move, and a cache.activated event is
// published. Safe to call on every start.
func (c *Cache) Activate(ctx context.Context) error {
	pruned, err := c.cfg.Store.DeleteGenerationsExcept(ctx, []string{c.static, c.dynamic})
	if err != nil {
		return fmt.Errorf("prune generations: %w", err)
	}
	if err := c.cfg.Store.SetKV(ctx, kvCurrentStatic, c.static); err != nil {
		return err
	}
	if err := c.cfg.Store.SetKV(ctx, kvCurrentDynamic, c.dynamic); err != nil {
		return err
	}
	if pruned > 0 {
		c.cfg.Logger.Info("stale cache generations pruned", "pruned", pruned, "static", c.static, "dynamic", c.dynamic)
	}
	if c.cfg.Bus != nil {
		c.cfg.Bus.Publish(bus.TopicCacheActivated, bus.CacheEvent{
			StaticGeneration:  c.static,
			DynamicGeneration: c.dynamic,
			Pruned:            pruned,
		})
	}
	return nil
}

// Fetch serves a GET by the strategy its route selects. API routes are
// network-first; everything else is cache-first. A navigation (the
// client accepts text/html) that fails both legs gets the cached offline
// page instead of an error.
//
// requestURI is the root-relative URL with its query string intact.
// Entries are keyed by the full URI, so query variants of the same path
// cache independently.
func (c *Cache) Fetch(ctx context.Context, requestURI string, header http.Header) (*Result, error) {
	var res *Result
	var err error
	if strings.HasPrefix(requestURI, c.cfg.APIPrefix) {
		res, err = c.networkFirst(ctx, requestURI, header)
	} else {
		res, err = c.cacheFirst(ctx, requestURI, header)
	}
	if err != nil && isNavigation(header) {
		if fb := c.offlineFallback(ctx); fb != nil {
			return fb, nil
		}
	}
	return res, err
}

// networkFirst tries the upstream and repopulates the dynamic generation
// on success; a transport failure falls back to the cached copy.
func (c *Cache) networkFirst(ctx context.Context, requestURI string, header http.Header) (*Result, error) {
	status, respHeader, body, err := c.fetchUpstream(ctx, requestURI, header)
	if err == nil {
		if status >= 200 && status <= 299 {
			if putErr := c.cfg.Store.PutCacheEntry(ctx, store.CacheEntry{
				Generation: c.dynamic,
				URL:        requestURI,
				Status:     status,
				Headers:    respHeader,
				Body:       body,
			}); putErr != nil {
				c.cfg.Logger.Warn("failed to cache response", "url", requestURI, "error", putErr)
			}
		}
		return &Result{Status: status, Header: respHeader, Body: body, Source: SourceNetwork}, nil
	}

	entry, getErr := c.cfg.Store.GetCacheEntry(ctx, c.dynamic, requestURI)
	if getErr != nil {
		return nil, fmt.Errorf("cache fallback for %s: %w", requestURI, getErr)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrUnavailable, requestURI, err)
	}
	c.cfg.Logger.Debug("serving cached response, network unavailable", "url", requestURI)
	return entryResult(entry, SourceCache), nil
}

// cacheFirst serves the cached copy when present, checking the
// install-time static generation first and runtime entries second; a
// miss fetches and populates the dynamic generation. The static
// generation holds only what Install precached.
func (c *Cache) cacheFirst(ctx context.Context, requestURI string, header http.Header) (*Result, error) {
	for _, generation := range []string{c.static, c.dynamic} {
		entry, err := c.cfg.Store.GetCacheEntry(ctx, generation, requestURI)
		if err != nil {
			return nil, fmt.Errorf("cache lookup for %s: %w", requestURI, err)
		}
		if entry != nil {
			return entryResult(entry, SourceCache), nil
		}
	}

	status, respHeader, body, fetchErr := c.fetchUpstream(ctx, requestURI, header)
	if fetchErr != nil {
		return nil, fmt.Errorf("%w: %s (%v)", ErrUnavailable, requestURI, fetchErr)
	}
	if status >= 200 && status <= 299 {
		if putErr := c.cfg.Store.PutCacheEntry(ctx, store.CacheEntry{
			Generation: c.dynamic,
			URL:        requestURI,
			Status:     status,
			Headers:    respHeader,
			Body:       body,
		}); putErr != nil {
			c.cfg.Logger.Warn("failed to cache response", "url", requestURI, "error", putErr)
		}
	}
	return &Result{Status: status, Header: respHeader, Body: body, Source: SourceNetwork}, nil
}

// offlineFallback returns the precached offline page, or nil when it was
// never installed.
func (c *Cache) offlineFallback(ctx context.Context) *Result {
	entry, err := c.cfg.Store.GetCacheEntry(ctx, c.static, c.cfg.OfflinePath)
	if err != nil || entry == nil {
		return nil
	}
	c.cfg.Logger.Info("serving offline fallback page", "path", c.cfg.OfflinePath)
	res := entryResult(entry, SourceFallback)
	return res
}

func (c *Cache) fetchUpstream(ctx context.Context, requestURI string, header http.Header) (int, http.Header, []byte, error) {
	// Parsing keeps the query string; building url.URL{Path: ...} would
	// drop it.
	ref, err := url.Parse(requestURI)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("parse %q: %w", requestURI, err)
	}
	target := c.cfg.Base.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return 0, nil, nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header.Clone(), body, nil
}

func entryResult(entry *store.CacheEntry, source Source) *Result {
	return &Result{
		Status: entry.Status,
		Header: entry.Headers.Clone(),
		Body:   entry.Body,
		Source: source,
	}
}

func isNavigation(header http.Header) bool {
	return strings.Contains(header.Get("Accept"), "text/html")
}
