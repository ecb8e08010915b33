package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Collection is a named JSON document set keyed by string. Records are
// marshaled on Put and unmarshaled on read; the zero value of T is returned
// when a key is absent.
type Collection[T any] struct {
	store *Store
	name  string
}

func NewCollection[T any](store *Store, name string) *Collection[T] {
	return &Collection[T]{store: store, name: name}
}

func (c *Collection[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	var data string
	err := c.store.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND key = ?`,
		c.name, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return zero, false, fmt.Errorf("collection %s: decode %s: %w", c.name, key, err)
	}
	return v, true, nil
}

func (c *Collection[T]) Put(ctx context.Context, key string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("collection %s: encode %s: %w", c.name, key, err)
	}
	_, err = c.store.db.ExecContext(ctx,
		`INSERT INTO documents(collection, key, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(collection, key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		c.name, key, string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	_, err := c.store.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND key = ?`,
		c.name, key,
	)
	return err
}

// All returns every record in the collection ordered by key.
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	rows, err := c.store.db.QueryContext(ctx,
		`SELECT data FROM documents WHERE collection = ? ORDER BY key`,
		c.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("collection %s: decode: %w", c.name, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
