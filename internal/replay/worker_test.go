package replay_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/replay"
	"github.com/basket/syncbox/internal/store"
)

type observedRequest struct {
	Method string
	Path   string
	Query  string
	Token  string
	Body   []byte
}

// mockUpstream records every request and answers with a per-path status.
type mockUpstream struct {
	mu       sync.Mutex
	requests []observedRequest
	status   map[string]int // path → status; default 200
}

func (m *mockUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		m.mu.Lock()
		m.requests = append(m.requests, observedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Token:  r.Header.Get("X-CSRF-Token"),
			Body:   body,
		})
		status := m.status[r.URL.Path]
		m.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
	})
}

func (m *mockUpstream) observed() []observedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]observedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func newTestWorker(t *testing.T, upstream string, eventBus *bus.Bus, maxAttempts int) (*replay.Worker, *store.Store) {
	t.Helper()
	if eventBus == nil {
		eventBus = bus.New()
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "syncbox.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	base, err := url.Parse(upstream)
	if err != nil {
		t.Fatalf("parse upstream: %v", err)
	}
	worker := replay.NewWorker(replay.Config{
		Store:       s,
		Bus:         eventBus,
		Base:        base,
		HTTPClient:  &http.Client{Timeout: 2 * time.Second},
		Concurrency: 2,
		MaxAttempts: maxAttempts,
	})
	return worker, s
}

func TestReplay_PreservesQueryString(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, "sync-deleted-items", "/api/items/remove?id=42&kind=invoice",
		http.MethodDelete, nil, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := worker.ReplayAll(ctx)
	if result.Delivered != 1 {
		t.Fatalf("result = %+v", result)
	}
	reqs := mock.observed()
	if len(reqs) != 1 {
		t.Fatalf("upstream saw %d requests, want 1", len(reqs))
	}
	if reqs[0].Path != "/api/items/remove" || reqs[0].Query != "id=42&kind=invoice" {
		t.Fatalf("replayed request = %+v, query string lost", reqs[0])
	}
}

func TestReplay_DeliversAndDeletes(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, "sync-deleted-items", "/api/transactions/42", http.MethodDelete,
		map[string]string{"X-CSRF-Token": "abc"}, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := worker.ReplayTag(ctx, "sync-deleted-items")
	if result.Delivered != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}

	reqs := mock.observed()
	if len(reqs) != 1 {
		t.Fatalf("upstream saw %d requests, want 1", len(reqs))
	}
	if reqs[0].Method != http.MethodDelete || reqs[0].Path != "/api/transactions/42" || reqs[0].Token != "abc" {
		t.Fatalf("replayed request = %+v", reqs[0])
	}

	if n, _ := s.OutboxCount(ctx, ""); n != 0 {
		t.Fatalf("outbox count = %d, want 0", n)
	}

	// A second activation must not re-deliver (no duplicate after success).
	result = worker.ReplayTag(ctx, "sync-deleted-items")
	if result.Delivered != 0 {
		t.Fatalf("second activation delivered %d", result.Delivered)
	}
	if len(mock.observed()) != 1 {
		t.Fatal("duplicate delivery after confirmed success")
	}
}

func TestReplay_IsolatesFailures(t *testing.T) {
	mock := &mockUpstream{status: map[string]int{"/api/transactions/add": http.StatusInternalServerError}}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	failing, err := s.EnqueueOutbox(ctx, "sync-new-transactions", "/api/transactions/add", http.MethodPost, nil, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("enqueue failing: %v", err)
	}
	if _, err := s.EnqueueOutbox(ctx, "sync-new-transactions", "/api/schedules/add", http.MethodPost, nil, []byte(`{"b":2}`)); err != nil {
		t.Fatalf("enqueue passing: %v", err)
	}

	result := worker.ReplayTag(ctx, "sync-new-transactions")
	if result.Delivered != 1 || result.Failed != 1 || result.Remaining != 1 {
		t.Fatalf("result = %+v", result)
	}

	remaining, err := s.ListOutbox(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != failing.ID {
		t.Fatalf("remaining = %v, want only the failing record", remaining)
	}
	if remaining[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", remaining[0].Attempts)
	}
}

func TestReplay_EmptyOutboxIsCheapNoOp(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, _ := newTestWorker(t, server.URL, nil, 0)
	result := worker.ReplayAll(context.Background())
	if result.Delivered != 0 || result.Failed != 0 || result.Remaining != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(mock.observed()) != 0 {
		t.Fatal("empty replay issued network requests")
	}
}

func TestReplay_ConnectivityErrorKeepsRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // unreachable

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, "sync-new-invoices", "/api/invoice/upload", http.MethodPost, nil, []byte("pdf")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := worker.ReplayTag(ctx, "sync-new-invoices")
	if result.Failed != 1 || result.Remaining != 1 {
		t.Fatalf("result = %+v", result)
	}
	records, _ := s.ListOutbox(ctx, "sync-new-invoices")
	if len(records) != 1 || records[0].Attempts != 1 || records[0].LastError == "" {
		t.Fatalf("records = %+v", records)
	}
}

func TestReplay_ReplaysUploadBytesVerbatim(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	fileBytes := []byte("%PDF-1.4 original invoice content")
	if _, err := s.EnqueueOutbox(ctx, "sync-new-invoices", "/api/invoice/upload", http.MethodPost,
		map[string]string{"Content-Type": "multipart/form-data; boundary=b"}, fileBytes); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker.ReplayTag(ctx, "sync-new-invoices")
	reqs := mock.observed()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	if string(reqs[0].Body) != string(fileBytes) {
		t.Fatal("upload body was not replayed byte-for-byte")
	}
}

func TestReplay_TagScopedActivation(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, "sync-new-transactions", "/api/transactions/add", http.MethodPost, nil, []byte("{}")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := s.EnqueueOutbox(ctx, "sync-new-invoices", "/api/invoice/upload", http.MethodPost, nil, []byte("pdf")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result := worker.ReplayTag(ctx, "sync-new-transactions")
	if result.Delivered != 1 {
		t.Fatalf("result = %+v", result)
	}
	// The invoice family was not touched.
	if n, _ := s.OutboxCount(ctx, "sync-new-invoices"); n != 1 {
		t.Fatalf("invoice count = %d, want 1", n)
	}
}

func TestReplay_BusActivations(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	eventBus := bus.New()
	doneSub := eventBus.Subscribe(bus.TopicSyncCompleted)
	defer eventBus.Unsubscribe(doneSub)

	worker, s := newTestWorker(t, server.URL, eventBus, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	defer worker.Stop()

	if _, err := s.EnqueueOutbox(ctx, "sync-deleted-items", "/api/transactions/9", http.MethodDelete, nil, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	eventBus.Publish(bus.TopicSyncRequested, bus.SyncRequest{Tag: "sync-deleted-items"})

	waitForResult(t, doneSub, func(r bus.SyncResult) bool {
		return r.Tag == "sync-deleted-items" && r.Delivered == 1
	})

	// Offline→online edge replays everything.
	if _, err := s.EnqueueOutbox(ctx, "sync-new-transactions", "/api/transactions/add", http.MethodPost, nil, []byte("{}")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	eventBus.Publish(bus.TopicConnectivityChanged, bus.ConnectivityEvent{Online: true})

	waitForResult(t, doneSub, func(r bus.SyncResult) bool {
		return r.Tag == "" && r.Delivered == 1
	})
}

func waitForResult(t *testing.T, sub *bus.Subscription, ok func(bus.SyncResult) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			if r, isResult := ev.Payload.(bus.SyncResult); isResult && ok(r) {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for sync result")
		}
	}
}

func TestScheduler_SweepsOnStart(t *testing.T) {
	mock := &mockUpstream{}
	server := httptest.NewServer(mock.handler())
	defer server.Close()

	worker, s := newTestWorker(t, server.URL, nil, 0)
	ctx := context.Background()

	if _, err := s.EnqueueOutbox(ctx, "sync-new-transactions", "/api/transactions/add", http.MethodPost, nil, []byte("{}")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sched, err := replay.NewScheduler(worker, "* * * * *", nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	sched.Start(runCtx)

	deadline := time.After(5 * time.Second)
	for {
		if n, _ := s.OutboxCount(ctx, ""); n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup sweep did not drain the outbox")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	sched.Stop()
}

func TestScheduler_RejectsBadCron(t *testing.T) {
	worker := replay.NewWorker(replay.Config{Bus: bus.New()})
	if _, err := replay.NewScheduler(worker, "not a cron", nil); err == nil {
		t.Fatal("expected cron parse error")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 7, 1, 10, 30, 0, 0, time.UTC)
	next, err := replay.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(time.Date(2026, 7, 1, 10, 35, 0, 0, time.UTC)) {
		t.Fatalf("next = %v", next)
	}
}
