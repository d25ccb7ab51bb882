// Package netstatus watches upstream reachability. Connectivity is not
// observable directly on a daemon the way it is in a browser, so the
// prober derives it: a probe request that completes (any status) means
// online, a transport error means offline. State flips are published on
// the bus; the offline→online edge is what triggers a full replay.
package netstatus

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/basket/syncbox/internal/bus"
)

// Config holds the prober dependencies.
type Config struct {
	Base       *url.URL
	Path       string
	Interval   time.Duration
	HTTPClient *http.Client
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// Prober polls the upstream on an interval and tracks reachability.
type Prober struct {
	cfg Config

	mu     sync.Mutex
	online bool
	known  bool // false until the first probe completes

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Prober {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Prober{cfg: cfg}
}

// Online reports the last observed reachability. Before the first probe
// completes it reports false.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known && p.online
}

// Start probes immediately and then on the configured interval until the
// context is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Check(ctx)

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}()
	p.cfg.Logger.Info("connectivity prober started",
		"path", p.cfg.Path, "interval", p.cfg.Interval.String())
}

// Stop cancels the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Check probes the upstream once, records the result, and publishes a
// connectivity.changed event when the state flipped. Returns the
// observed state.
func (p *Prober) Check(ctx context.Context) bool {
	online := p.probe(ctx)

	p.mu.Lock()
	flipped := !p.known || p.online != online
	p.known = true
	p.online = online
	p.mu.Unlock()

	if !flipped {
		return online
	}
	if online {
		p.cfg.Logger.Info("upstream reachable")
	} else {
		p.cfg.Logger.Warn("upstream unreachable, entering offline mode")
	}
	if p.cfg.Bus != nil {
		p.cfg.Bus.Publish(bus.TopicConnectivityChanged, bus.ConnectivityEvent{Online: online})
	}
	return online
}

// probe treats any received response as reachable; only transport errors
// count as offline. A 500 from the upstream is still connectivity.
func (p *Prober) probe(ctx context.Context) bool {
	target := p.cfg.Base.ResolveReference(&url.URL{Path: p.cfg.Path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return false
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return true
}
