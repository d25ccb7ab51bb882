// Package replay is the sync replay worker: a background context that,
// on activation, re-issues queued outbox mutations against the upstream
// and deletes the ones that succeed. It has no synchronous user-facing
// caller (the session that queued a request may be long gone), so
// failures are observable only through logs and metrics.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/store"
)

// Config holds the dependencies for the replay worker.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Base       *url.URL
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Concurrency bounds in-flight replays within one activation.
	// Records have no ordering dependency on each other.
	Concurrency int

	// MaxAttempts dead-letters a record after this many failed replays;
	// 0 retries forever.
	MaxAttempts int
}

// Worker replays outbox records on activation. Activations arrive three
// ways: a sync.requested bus event (tag-scoped), an offline→online
// connectivity edge (all tags), or a scheduled sweep (all tags).
// State machine: Idle → Replaying → Idle; activations are serialized so
// two contexts never replay the same record concurrently.
type Worker struct {
	cfg Config

	replayMu sync.Mutex // held for the duration of one activation

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg Config) *Worker {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Worker{cfg: cfg}
}

// Start subscribes to activation events and runs the dispatch loop in a
// background goroutine until the context is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	syncSub := w.cfg.Bus.Subscribe(bus.TopicSyncRequested)
	connSub := w.cfg.Bus.Subscribe(bus.TopicConnectivityChanged)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.cfg.Bus.Unsubscribe(syncSub)
		defer w.cfg.Bus.Unsubscribe(connSub)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-syncSub.Ch():
				if !ok {
					return
				}
				req, _ := ev.Payload.(bus.SyncRequest)
				if req.Tag == "" {
					w.ReplayAll(ctx)
				} else {
					w.ReplayTag(ctx, req.Tag)
				}
			case ev, ok := <-connSub.Ch():
				if !ok {
					return
				}
				conn, _ := ev.Payload.(bus.ConnectivityEvent)
				if conn.Online {
					w.cfg.Logger.Info("connectivity restored, replaying outbox")
					w.ReplayAll(ctx)
				}
			}
		}
	}()
	w.cfg.Logger.Info("replay worker started", "concurrency", w.cfg.Concurrency, "max_attempts", w.cfg.MaxAttempts)
}

// Stop cancels the dispatch loop and waits for any in-flight activation.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.cfg.Logger.Info("replay worker stopped")
}

// ReplayAll replays every pending record regardless of tag.
func (w *Worker) ReplayAll(ctx context.Context) bus.SyncResult {
	return w.replay(ctx, "")
}

// ReplayTag replays the pending records of one mutation family.
func (w *Worker) ReplayTag(ctx context.Context, tag string) bus.SyncResult {
	return w.replay(ctx, tag)
}

func (w *Worker) replay(ctx context.Context, tag string) bus.SyncResult {
	w.replayMu.Lock()
	defer w.replayMu.Unlock()

	result := bus.SyncResult{Tag: tag}

	records, err := w.cfg.Store.ListOutbox(ctx, tag)
	if err != nil {
		w.cfg.Logger.Error("replay: failed to read outbox", "tag", tag, "error", err)
		return result
	}
	if len(records) == 0 {
		// Empty outbox: zero network requests, terminate immediately.
		return result
	}

	w.cfg.Logger.Info("replay activation", "tag", tag, "pending", len(records))

	// Records are independent: one record's failure must not abort the
	// others. Bounded fan-out, failures isolated per record.
	sem := make(chan struct{}, w.cfg.Concurrency)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, rec := range records {
		rec := rec
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			delivered := w.replayRecord(ctx, rec)
			mu.Lock()
			if delivered {
				result.Delivered++
			} else {
				result.Failed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if remaining, err := w.cfg.Store.OutboxCount(ctx, tag); err == nil {
		result.Remaining = remaining
	}
	w.cfg.Logger.Info("replay finished",
		"tag", tag,
		"delivered", result.Delivered,
		"failed", result.Failed,
		"remaining", result.Remaining,
	)
	w.cfg.Bus.Publish(bus.TopicSyncCompleted, result)
	return result
}

// replayRecord re-issues one queued mutation. The record is deleted only
// after a confirmed 2xx, never speculatively, so a crash mid-replay
// leaves the record eligible for the next activation rather than lost.
func (w *Worker) replayRecord(ctx context.Context, rec store.OutboxRecord) bool {
	// The stored url keeps its query string; parse it rather than
	// rebuilding from a bare path.
	ref, err := url.Parse(rec.URL)
	if err != nil {
		w.recordFailure(ctx, rec, fmt.Sprintf("parse url: %v", err))
		return false
	}
	target := w.cfg.Base.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, rec.Method, target.String(), bytes.NewReader(rec.Body))
	if err != nil {
		w.recordFailure(ctx, rec, fmt.Sprintf("build request: %v", err))
		return false
	}
	for k, v := range rec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.cfg.HTTPClient.Do(req)
	if err != nil {
		w.recordFailure(ctx, rec, err.Error())
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.recordFailure(ctx, rec, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		return false
	}

	if err := w.cfg.Store.DeleteOutbox(ctx, rec.ID); err != nil {
		// Delivered but not deleted: the record will be replayed again.
		// Acceptable over the alternative (deleting before confirmation
		// risks losing the mutation entirely).
		w.cfg.Logger.Error("replay: delivered but failed to delete record",
			"record_id", rec.ID, "error", err)
		return false
	}
	w.cfg.Logger.Info("replay delivered",
		"record_id", rec.ID, "tag", rec.Tag, "method", rec.Method, "url", rec.URL)
	return true
}

func (w *Worker) recordFailure(ctx context.Context, rec store.OutboxRecord, msg string) {
	dead, err := w.cfg.Store.RecordReplayFailure(ctx, rec.ID, msg, w.cfg.MaxAttempts)
	if err != nil {
		w.cfg.Logger.Error("replay: failed to record failure", "record_id", rec.ID, "error", err)
		return
	}
	if dead {
		w.cfg.Logger.Warn("replay: record dead-lettered after max attempts",
			"record_id", rec.ID, "tag", rec.Tag, "url", rec.URL, "error", msg)
		return
	}
	w.cfg.Logger.Warn("replay failed, record kept for next activation",
		"record_id", rec.ID, "tag", rec.Tag, "url", rec.URL, "error", msg)
}
