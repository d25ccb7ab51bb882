// Package gateway is the local HTTP boundary the app talks to instead of
// the upstream. Reads flow through the cache layer, mutations through the
// outbox client, and a WebSocket push channel lets open UIs watch queued
// work drain.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/basket/syncbox/internal/bus"
	"github.com/basket/syncbox/internal/outbox"
	"github.com/basket/syncbox/internal/store"
	"github.com/basket/syncbox/internal/webcache"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// OnlineReporter reports the last observed upstream reachability.
type OnlineReporter interface {
	Online() bool
}

// Config holds the gateway dependencies. Store, Cache, Outbox and
// Registrar may all be nil when the durable store failed to open; the
// gateway then relays every request directly upstream.
type Config struct {
	Store     *store.Store
	Cache     *webcache.Cache
	Outbox    *outbox.Client
	Registrar *outbox.Registrar
	Bus       *bus.Bus
	Prober    OnlineReporter
	Logger    *slog.Logger

	Base *url.URL

	// APIPrefix marks mutation routes intercepted for offline queuing.
	APIPrefix string

	// EntityLists names GET endpoints whose JSON array responses are
	// mirrored into the entities collection for offline reads.
	EntityLists []string

	// AuthToken guards the control endpoints (/api/outbox*, /ws) when
	// set. Empty disables auth: the gateway binds to loopback by default.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	ConfigFingerprint string

	// HTTPClient forwards non-GET traffic outside the API prefix.
	HTTPClient *http.Client
}

// Server is the gateway HTTP server.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/"
	}
	return &Server{cfg: cfg, clients: map[*wsClient]struct{}{}}
}

// Handler builds the gateway routes. Control endpoints are registered
// before the catch-all proxy so they shadow same-named upstream paths.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/outbox", s.handleOutboxList)
	mux.HandleFunc("/api/outbox/dead", s.handleDeadLetters)
	mux.HandleFunc("/api/outbox/replay", s.handleOutboxReplay)
	mux.HandleFunc("/", s.handleProxy)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.cfg.Logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authorize checks the Bearer token on control endpoints. An empty
// configured token disables auth.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := false
	depth := 0
	if s.cfg.Store != nil {
		if d, err := s.cfg.Store.OutboxCount(ctx, ""); err == nil {
			dbOK = true
			depth = d
		}
	}
	online := false
	if s.cfg.Prober != nil {
		online = s.cfg.Prober.Online()
	}
	payload := map[string]any{
		"healthy":      dbOK,
		"db_ok":        dbOK,
		"online":       online,
		"outbox_depth": depth,
		"config_hash":  s.cfg.ConfigFingerprint,
		"time_unix":    time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleOutboxList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "offline queue unavailable", http.StatusServiceUnavailable)
		return
	}
	records, err := s.cfg.Store.ListOutbox(r.Context(), r.URL.Query().Get("tag"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, recordSummary(&rec))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pending": items, "count": len(items)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Store == nil {
		http.Error(w, "offline queue unavailable", http.StatusServiceUnavailable)
		return
	}
	records, err := s.cfg.Store.ListDeadLetters(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, recordSummary(&rec))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"dead": items, "count": len(items)})
}

// handleOutboxReplay is the manual replay trigger. The request returns
// immediately; progress arrives as sync.completed events on /ws.
func (s *Server) handleOutboxReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.cfg.Store == nil || s.cfg.Registrar == nil {
		http.Error(w, "offline queue unavailable", http.StatusServiceUnavailable)
		return
	}
	tag := r.URL.Query().Get("tag")
	s.cfg.Registrar.RequestReplay(tag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"replay_requested": true, "tag": tag})
}

// handleProxy is the catch-all: GETs through the cache layer, mutations
// under the API prefix through the outbox client, everything else
// forwarded plainly.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	// Without a durable store there is no cache and no outbox: the
	// gateway keeps running as a plain online-only relay.
	if s.cfg.Cache == nil || s.cfg.Outbox == nil {
		s.forward(w, r)
		return
	}
	switch {
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		s.handleRead(w, r)
	case strings.HasPrefix(r.URL.Path, s.cfg.APIPrefix):
		s.handleMutation(w, r)
	default:
		s.forward(w, r)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	// The full request URI (query string included) is the cache key and
	// the upstream target; date-ranged reads must reach the upstream
	// exactly as sent.
	res, err := s.cfg.Cache.Fetch(ctx, r.URL.RequestURI(), r.Header)
	if err != nil {
		// Entity lists get one more fallback: the mirrored collection.
		if collection, ok := s.entityCollection(r.URL.Path); ok {
			if served := s.serveEntities(ctx, w, collection); served {
				return
			}
		}
		s.cfg.Logger.Warn("read unavailable", "path", r.URL.Path, "error", err)
		http.Error(w, "upstream unreachable and nothing cached", http.StatusServiceUnavailable)
		return
	}

	if collection, ok := s.entityCollection(r.URL.Path); ok &&
		res.Source == webcache.SourceNetwork && res.Status >= 200 && res.Status <= 299 {
		s.mirrorEntities(ctx, collection, res.Body)
	}

	copyHeader(w.Header(), res.Header)
	w.Header().Set("X-Syncbox-Source", string(res.Source))
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.Body)
	}
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	out, err := s.cfg.Outbox.Dispatch(r.Context(), outbox.Request{
		Path:    r.URL.RequestURI(),
		Method:  r.Method,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		s.cfg.Logger.Error("mutation dispatch failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "offline and local queue unavailable", http.StatusServiceUnavailable)
		return
	}

	if out.Queued {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queued": true,
			"record": recordSummary(out.Record),
		})
		return
	}

	copyHeader(w.Header(), out.Header)
	w.WriteHeader(out.Status)
	_, _ = w.Write(out.Body)
}

// forward relays non-GET traffic outside the API prefix without outbox
// capture. Queuing a login form would replay stale credentials; these
// routes fail loudly instead.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	target := s.cfg.Base.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// entityCollection maps an entity-list path to its collection name,
// e.g. "/api/transactions/" → "transactions".
func (s *Server) entityCollection(path string) (string, bool) {
	for _, listPath := range s.cfg.EntityLists {
		if path == listPath || path == strings.TrimSuffix(listPath, "/") {
			name := strings.TrimSuffix(strings.TrimPrefix(listPath, s.cfg.APIPrefix), "/")
			return name, name != ""
		}
	}
	return "", false
}

// mirrorEntities replaces the local collection with the fresh server
// snapshot. Items without an id are skipped; the snapshot stays usable.
func (s *Server) mirrorEntities(ctx context.Context, collection string, body []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		s.cfg.Logger.Warn("entity list is not a JSON array, not mirrored", "collection", collection, "error", err)
		return
	}
	items := make([]store.Entity, 0, len(raw))
	for _, item := range raw {
		var probe struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(item, &probe); err != nil || probe.ID.String() == "" {
			continue
		}
		items = append(items, store.Entity{Key: probe.ID.String(), Payload: item})
	}
	if err := s.cfg.Store.ReplaceEntities(ctx, collection, items); err != nil {
		s.cfg.Logger.Warn("failed to mirror entities", "collection", collection, "error", err)
		return
	}
	s.cfg.Logger.Debug("entities mirrored", "collection", collection, "count", len(items))
}

// serveEntities answers an entity-list read from the mirrored
// collection. Returns false when the mirror is empty, letting the caller
// fall through to 503.
func (s *Server) serveEntities(ctx context.Context, w http.ResponseWriter, collection string) bool {
	items, err := s.cfg.Store.ReadEntities(ctx, collection)
	if err != nil || len(items) == 0 {
		return false
	}
	payloads := make([]json.RawMessage, len(items))
	for i, item := range items {
		payloads[i] = item.Payload
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Syncbox-Source", "entities")
	_ = json.NewEncoder(w).Encode(payloads)
	s.cfg.Logger.Info("entity list served from local mirror", "collection", collection, "count", len(items))
	return true
}

// handleWS upgrades to WebSocket and pushes every bus event to the
// client as {topic, payload} frames. The channel is push-only; clients
// that write are ignored until they disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	// CloseRead pumps incoming frames and cancels the context on close.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, map[string]any{
				"topic":   ev.Topic,
				"payload": ev.Payload,
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func recordSummary(rec *store.OutboxRecord) map[string]any {
	if rec == nil {
		return nil
	}
	return map[string]any{
		"id":          rec.ID,
		"tag":         rec.Tag,
		"url":         rec.URL,
		"method":      rec.Method,
		"attempts":    rec.Attempts,
		"last_error":  rec.LastError,
		"enqueued_at": rec.EnqueuedAt.Format(time.RFC3339),
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}
