package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/syncbox/internal/config"
	"github.com/basket/syncbox/internal/store"
	"github.com/basket/syncbox/internal/tui"
	"github.com/mattn/go-isatty"
)

// runMonitorCommand opens the store read-only and renders the outbox
// dashboard. Without a TTY it prints one snapshot and exits, so it stays
// usable in scripts and cron.
func runMonitorCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: syncbox monitor")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	st, err := store.Open(filepath.Join(cfg.HomeDir, "syncbox.db"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	started := time.Now()
	provider := func() tui.Snapshot {
		return snapshot(ctx, cfg, st, started)
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		printSnapshot(provider())
		return 0
	}

	if err := tui.Run(ctx, provider); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	return 0
}

func snapshot(ctx context.Context, cfg *config.Config, st *store.Store, started time.Time) tui.Snapshot {
	snap := tui.Snapshot{DBOK: true, Uptime: time.Since(started)}

	records, err := st.ListOutbox(ctx, "")
	if err != nil {
		snap.DBOK = false
		snap.LastError = err.Error()
		return snap
	}
	snap.OutboxDepth = len(records)
	for _, rec := range records {
		snap.Pending = append(snap.Pending, tui.PendingItem{
			ID:       rec.ID,
			Tag:      rec.Tag,
			Method:   rec.Method,
			URL:      rec.URL,
			Attempts: rec.Attempts,
			LastErr:  rec.LastError,
			Age:      time.Since(rec.EnqueuedAt),
		})
	}
	if dead, err := st.ListDeadLetters(ctx); err == nil {
		snap.DeadLetters = len(dead)
	}
	snap.Online = daemonOnline(ctx, cfg)
	return snap
}

// daemonOnline asks the running daemon for its connectivity view; a dead
// daemon reads as offline.
func daemonOnline(ctx context.Context, cfg *config.Config) bool {
	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL(cfg.BindAddr), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var payload struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	return payload.Online
}

func printSnapshot(snap tui.Snapshot) {
	fmt.Printf("online=%t db_ok=%t pending=%d dead=%d\n",
		snap.Online, snap.DBOK, snap.OutboxDepth, snap.DeadLetters)
	for _, item := range snap.Pending {
		fmt.Printf("%s %s %s attempts=%d age=%s last_error=%q\n",
			item.Tag, item.Method, item.URL, item.Attempts,
			item.Age.Truncate(time.Second), item.LastErr)
	}
}
