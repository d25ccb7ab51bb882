package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CacheEntry is a response previously returned by a fetch, keyed by
// request URL within a named generation. Entries are created or
// overwritten whenever a network fetch succeeds and read when a later
// fetch of the same URL fails.
type CacheEntry struct {
	Generation string      `json:"generation"`
	URL        string      `json:"url"`
	Status     int         `json:"status"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	FetchedAt  time.Time   `json:"fetched_at"`
}

// GetCacheEntry returns the cached response for a URL, or nil on miss.
func (s *Store) GetCacheEntry(ctx context.Context, generation, url string) (*CacheEntry, error) {
	var entry CacheEntry
	var headerJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT generation, url, status, headers, body, fetched_at
		FROM cache_entries WHERE generation = ? AND url = ?;
	`, generation, url).Scan(&entry.Generation, &entry.URL, &entry.Status, &headerJSON, &entry.Body, &entry.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s %s: %w", generation, url, err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &entry.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal cache headers: %w", err)
	}
	return &entry, nil
}

// PutCacheEntry upserts a single cached response.
func (s *Store) PutCacheEntry(ctx context.Context, entry CacheEntry) error {
	headerJSON, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("marshal cache headers: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_entries (generation, url, status, headers, body, fetched_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(generation, url) DO UPDATE SET
				status = excluded.status,
				headers = excluded.headers,
				body = excluded.body,
				fetched_at = CURRENT_TIMESTAMP;
		`, entry.Generation, entry.URL, entry.Status, string(headerJSON), entry.Body); err != nil {
			return fmt.Errorf("put cache entry %s %s: %w", entry.Generation, entry.URL, err)
		}
		return nil
	})
}

// PutCacheEntries writes a batch of entries in one transaction. The shell
// install path relies on this being all-or-nothing: a partially cached
// shell is worse than no shell.
func (s *Store) PutCacheEntries(ctx context.Context, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cache tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, entry := range entries {
			headerJSON, err := json.Marshal(entry.Headers)
			if err != nil {
				return fmt.Errorf("marshal cache headers: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cache_entries (generation, url, status, headers, body, fetched_at)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT(generation, url) DO UPDATE SET
					status = excluded.status,
					headers = excluded.headers,
					body = excluded.body,
					fetched_at = CURRENT_TIMESTAMP;
			`, entry.Generation, entry.URL, entry.Status, string(headerJSON), entry.Body); err != nil {
				return fmt.Errorf("put cache entry %s %s: %w", entry.Generation, entry.URL, err)
			}
		}
		return tx.Commit()
	})
}

// Generations lists the distinct cache generations currently stored.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT generation FROM cache_entries ORDER BY generation ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("generation rows: %w", err)
	}
	return out, nil
}

// DeleteGenerationsExcept removes every cache generation not in keep,
// returning how many generations were pruned. Run at activation so a
// stale application shell cannot outlive its replacement.
func (s *Store) DeleteGenerationsExcept(ctx context.Context, keep []string) (int, error) {
	existing, err := s.Generations(ctx)
	if err != nil {
		return 0, err
	}
	keepSet := make(map[string]bool, len(keep))
	for _, g := range keep {
		keepSet[g] = true
	}

	pruned := 0
	for _, g := range existing {
		if keepSet[g] {
			continue
		}
		gen := g
		err := retryOnBusy(ctx, 5, func() error {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?;`, gen); err != nil {
				return fmt.Errorf("delete generation %q: %w", gen, err)
			}
			return nil
		})
		if err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
