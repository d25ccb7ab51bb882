// Package outbox is the enqueue side of the offline sync path: it tries a
// mutation against the upstream directly and, when the network is the
// problem (not the server), captures the request into the durable outbox
// for later replay.
package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/store"
)

// FailureKind discriminates why a dispatch could not complete normally,
// so callers can make the retry-vs-surface decision explicitly.
type FailureKind string

const (
	// KindConnectivity: the request threw before a response was received.
	// The mutation was queued (unless storage is down too).
	KindConnectivity FailureKind = "connectivity"

	// KindStorage: the network failed AND the durable store is
	// unavailable. The mutation is lost unless the caller retries.
	KindStorage FailureKind = "storage"
)

// Outcome is the result of dispatching a mutation. Exactly one of three
// shapes comes back: a relayed upstream response (any status; server
// rejections are surfaced, never queued), a queued record, or an error
// with a FailureKind.
type Outcome struct {
	// Upstream response, when one was received.
	Status int
	Header http.Header
	Body   []byte

	// Queued is set when the request was captured into the outbox
	// instead of delivered. The caller should tell the user the action
	// is pending, not final.
	Queued bool
	Record *store.OutboxRecord
}

// DispatchError carries the failure kind for callers that need to map it
// onto a user-facing response.
type DispatchError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch failed (%s): %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Request is a mutation to deliver: a root-relative URL (path plus any
// query string), verb, the headers to capture verbatim (authenticity
// token included), and the full body bytes. For uploads that means the
// file content itself, so a replayed upload carries real bytes rather
// than reconstructed metadata.
type Request struct {
	Path    string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Client dispatches mutations upstream with outbox capture on
// connectivity failure.
type Client struct {
	base      *url.URL
	http      *http.Client
	store     *store.Store
	registrar *Registrar
	logger    *slog.Logger
}

func NewClient(base *url.URL, httpClient *http.Client, st *store.Store, registrar *Registrar, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{base: base, http: httpClient, store: st, registrar: registrar, logger: logger}
}

// Dispatch tries the mutation against the upstream. A received response,
// success or server-side rejection alike, is relayed as-is. A transport
// failure queues the request durably and registers replay for its
// mutation family.
func (c *Client) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	ref, err := url.Parse(req.Path)
	if err != nil {
		return nil, &DispatchError{Kind: KindConnectivity, Message: "parse request url", Err: err}
	}
	target := c.base.ResolveReference(ref)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, &DispatchError{Kind: KindConnectivity, Message: "build request", Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err == nil {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			// Response started but died mid-body; treat as connectivity.
			return c.enqueue(ctx, req, readErr)
		}
		return &Outcome{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
	}

	// Request threw before any response: the offline path.
	return c.enqueue(ctx, req, err)
}

func (c *Client) enqueue(ctx context.Context, req Request, cause error) (*Outcome, error) {
	tag := TagFor(req.Method, req.Path)
	rec, err := c.store.EnqueueOutbox(ctx, tag, req.Path, req.Method, req.Headers, req.Body)
	if err != nil {
		if errors.Is(err, store.ErrStorageUnavailable) {
			return nil, &DispatchError{Kind: KindStorage, Message: "offline queue unavailable", Err: err}
		}
		return nil, &DispatchError{Kind: KindStorage, Message: "enqueue failed", Err: err}
	}

	c.logger.Info("mutation queued for background sync",
		"record_id", rec.ID,
		"tag", tag,
		"method", req.Method,
		"url", req.Path,
		"cause", cause.Error(),
	)
	c.registrar.RequestReplay(tag)
	return &Outcome{Queued: true, Record: rec}, nil
}

// Registrar asks for a future replay of a mutation family. When no replay
// worker is listening (degraded mode) the request is a no-op; pending
// records are picked up by the next sweep or daemon start.
type Registrar struct {
	bus    *bus.Bus
	logger *slog.Logger
}

func NewRegistrar(eventBus *bus.Bus, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{bus: eventBus, logger: logger}
}

// RequestReplay publishes a replay request for the given tag. An empty
// tag requests replay of every family.
func (r *Registrar) RequestReplay(tag string) {
	if r.bus == nil || !r.bus.HasSubscriber(bus.TopicSyncRequested) {
		r.logger.Warn("no replay worker registered; pending actions will sync on next start", "tag", tag)
		return
	}
	r.bus.Publish(bus.TopicSyncRequested, bus.SyncRequest{Tag: tag})
}
