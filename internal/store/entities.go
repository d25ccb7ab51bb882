package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Entity is the last-known server representation of a domain object,
// kept for offline reads. The key is the entity's primary key as assigned
// by the backend.
type Entity struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// ReadEntities returns every cached entity in a collection.
func (s *Store) ReadEntities(ctx context.Context, collection string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, payload FROM entities WHERE collection = ? ORDER BY key ASC;
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("read entities %q: %w", collection, err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var payload string
		if err := rows.Scan(&e.Key, &payload); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity rows: %w", err)
	}
	return out, nil
}

// WriteEntities upserts a batch of entities keyed by their primary key,
// in one transaction.
func (s *Store) WriteEntities(ctx context.Context, collection string, items []Entity) error {
	if len(items) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin entities tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entities (collection, key, payload, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(collection, key) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP;
		`)
		if err != nil {
			return fmt.Errorf("prepare entity upsert: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if item.Key == "" {
				return fmt.Errorf("entity in %q has empty key", collection)
			}
			if _, err := stmt.ExecContext(ctx, collection, item.Key, string(item.Payload)); err != nil {
				return fmt.Errorf("upsert entity %s/%s: %w", collection, item.Key, err)
			}
		}
		return tx.Commit()
	})
}

// DeleteEntity removes one cached entity; unknown keys are a no-op.
func (s *Store) DeleteEntity(ctx context.Context, collection, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM entities WHERE collection = ? AND key = ?;
		`, collection, key); err != nil {
			return fmt.Errorf("delete entity %s/%s: %w", collection, key, err)
		}
		return nil
	})
}

// ClearEntities drops every cached entity in a collection, typically just
// before a fresh server snapshot is written.
func (s *Store) ClearEntities(ctx context.Context, collection string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM entities WHERE collection = ?;
		`, collection); err != nil {
			return fmt.Errorf("clear entities %q: %w", collection, err)
		}
		return nil
	})
}

// ReplaceEntities clears a collection and writes a fresh snapshot in one
// transaction, so offline readers never observe a half-replaced state.
func (s *Store) ReplaceEntities(ctx context.Context, collection string, items []Entity) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replace tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ?;`, collection); err != nil {
			return fmt.Errorf("clear entities %q: %w", collection, err)
		}
		for _, item := range items {
			if item.Key == "" {
				return fmt.Errorf("entity in %q has empty key", collection)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (collection, key, payload, updated_at)
				VALUES (?, ?, ?, CURRENT_TIMESTAMP);
			`, collection, item.Key, string(item.Payload)); err != nil {
				return fmt.Errorf("write entity %s/%s: %w", collection, item.Key, err)
			}
		}
		return tx.Commit()
	})
}
