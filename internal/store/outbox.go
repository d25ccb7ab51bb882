package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/syncbox/internal/bus"
	"github.com/google/uuid"
)

// OutboxRecord is a durable, queued mutation awaiting delivery. A record
// exists in the outbox if and only if it has not yet been successfully
// delivered. Records are immutable after creation except the attempts and
// last_error diagnostics columns; they are deleted on confirmed success or
// left for the next activation on failure.
type OutboxRecord struct {
	ID         string            `json:"id"`
	Tag        string            `json:"tag"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body,omitempty"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"last_error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// EnqueueOutbox writes one record for the given mutation. Headers are
// captured verbatim (including any authenticity token; tokens are not
// re-fetched at replay time) and the body carries the full request bytes,
// file uploads included.
func (s *Store) EnqueueOutbox(ctx context.Context, tag, url, method string, headers map[string]string, body []byte) (*OutboxRecord, error) {
	if method == "GET" {
		return nil, fmt.Errorf("refusing to enqueue GET %s: only mutations are queued", url)
	}
	if headers == nil {
		headers = map[string]string{}
	}
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox headers: %w", err)
	}

	rec := &OutboxRecord{
		ID:         uuid.NewString(),
		Tag:        tag,
		URL:        url,
		Method:     method,
		Headers:    headers,
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO outbox (id, tag, url, method, headers, body, enqueued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.Tag, rec.URL, rec.Method, string(headerJSON), rec.Body, rec.EnqueuedAt)
		if err != nil {
			return fmt.Errorf("enqueue outbox record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(bus.TopicOutboxEnqueued, bus.OutboxEvent{
		RecordID: rec.ID,
		Tag:      rec.Tag,
		URL:      rec.URL,
		Method:   rec.Method,
	})
	return rec, nil
}

// ListOutbox returns all pending records in insertion order. An empty tag
// matches every mutation family.
func (s *Store) ListOutbox(ctx context.Context, tag string) ([]OutboxRecord, error) {
	query := `
		SELECT id, tag, url, method, headers, body, attempts, COALESCE(last_error, ''), enqueued_at
		FROM outbox
	`
	var args []any
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	query += ` ORDER BY enqueued_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	return out, nil
}

// GetOutbox returns a single pending record by id.
func (s *Store) GetOutbox(ctx context.Context, id string) (*OutboxRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tag, url, method, headers, body, attempts, COALESCE(last_error, ''), enqueued_at
		FROM outbox WHERE id = ?;
	`, id)
	rec, err := scanOutboxRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// OutboxCount returns the number of pending records, optionally per tag.
func (s *Store) OutboxCount(ctx context.Context, tag string) (int, error) {
	query := `SELECT COUNT(1) FROM outbox`
	var args []any
	if tag != "" {
		query += ` WHERE tag = ?`
		args = append(args, tag)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query+";", args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox count: %w", err)
	}
	return count, nil
}

// DeleteOutbox removes a record after confirmed delivery. It is only ever
// called with a 2xx response in hand, never speculatively.
func (s *Store) DeleteOutbox(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete outbox record %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("delete outbox record %s: not found", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicOutboxDelivered, bus.OutboxEvent{RecordID: id})
	return nil
}

// RecordReplayFailure increments the attempt counter and stores the last
// error for diagnostics. When maxAttempts is positive and the new attempt
// count reaches it, the record moves to outbox_dead in the same
// transaction and is no longer eligible for replay. Returns true when the
// record was dead-lettered.
func (s *Store) RecordReplayFailure(ctx context.Context, id, replayErr string, maxAttempts int) (bool, error) {
	var dead bool
	var tag string
	var attempts int
	err := retryOnBusy(ctx, 5, func() error {
		dead = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			UPDATE outbox SET attempts = attempts + 1, last_error = ?
			WHERE id = ?
			RETURNING tag, attempts;
		`, replayErr, id).Scan(&tag, &attempts); err != nil {
			return fmt.Errorf("record replay failure %s: %w", id, err)
		}

		if maxAttempts > 0 && attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outbox_dead (id, tag, url, method, headers, body, attempts, last_error, enqueued_at)
				SELECT id, tag, url, method, headers, body, attempts, last_error, enqueued_at
				FROM outbox WHERE id = ?;
			`, id); err != nil {
				return fmt.Errorf("dead-letter outbox record %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?;`, id); err != nil {
				return fmt.Errorf("remove dead outbox record %s: %w", id, err)
			}
			dead = true
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}

	event := bus.OutboxEvent{RecordID: id, Tag: tag, Attempts: attempts, Error: replayErr}
	if dead {
		s.publish(bus.TopicOutboxDead, event)
	} else {
		s.publish(bus.TopicOutboxFailed, event)
	}
	return dead, nil
}

// ListDeadLetters returns records that exhausted their retry allowance.
// They are kept for inspection, never silently dropped.
func (s *Store) ListDeadLetters(ctx context.Context) ([]OutboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag, url, method, headers, body, attempts, COALESCE(last_error, ''), enqueued_at
		FROM outbox_dead ORDER BY dead_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (OutboxRecord, error) {
	var rec OutboxRecord
	var headerJSON string
	if err := row.Scan(
		&rec.ID,
		&rec.Tag,
		&rec.URL,
		&rec.Method,
		&headerJSON,
		&rec.Body,
		&rec.Attempts,
		&rec.LastError,
		&rec.EnqueuedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return rec, err
		}
		return rec, fmt.Errorf("scan outbox record: %w", err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &rec.Headers); err != nil {
		return rec, fmt.Errorf("unmarshal outbox headers: %w", err)
	}
	return rec, nil
}
