package postgres

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/store"
)

func (d *DB) UpsertCacheEntry(ctx context.Context, entry *store.CacheEntry) error {
	stmt := `
		INSERT INTO cache_entry (namespace, key, value, created_ms, expires_ms)
		VALUES (` + placeholders(5) + `)
		ON CONFLICT (namespace, key) DO UPDATE SET
			value = EXCLUDED.value,
			created_ms = EXCLUDED.created_ms,
			expires_ms = EXCLUDED.expires_ms
	`
	if _, err := d.db.ExecContext(ctx, stmt, entry.Namespace, entry.Key, entry.Value, entry.CreatedMs, entry.ExpiresMs); err != nil {
		return errors.Wrap(err, "failed to upsert cache entry")
	}
	return nil
}

func (d *DB) GetCacheEntry(ctx context.Context, namespace, key string) (*store.CacheEntry, error) {
	query := `SELECT namespace, key, value, created_ms, expires_ms FROM cache_entry WHERE namespace = ` + placeholder(1) + ` AND key = ` + placeholder(2)
	var entry store.CacheEntry
	err := d.db.QueryRowContext(ctx, query, namespace, key).Scan(
		&entry.Namespace,
		&entry.Key,
		&entry.Value,
		&entry.CreatedMs,
		&entry.ExpiresMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get cache entry")
	}
	return &entry, nil
}

func (d *DB) DeleteCacheEntries(ctx context.Context, delete *store.DeleteCacheEntry) error {
	where, args := []string{"1 = 1"}, []any{}
	if delete.Namespace != nil {
		where, args = append(where, "namespace = "+placeholder(len(args)+1)), append(args, *delete.Namespace)
	}
	if delete.Key != nil {
		where, args = append(where, "key = "+placeholder(len(args)+1)), append(args, *delete.Key)
	}
	if _, err := d.db.ExecContext(ctx, "DELETE FROM cache_entry WHERE "+strings.Join(where, " AND "), args...); err != nil {
		return errors.Wrap(err, "failed to delete cache entries")
	}
	return nil
}

func (d *DB) DeleteExpiredCacheEntries(ctx context.Context, nowMs int64) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM cache_entry WHERE expires_ms != 0 AND expires_ms <= "+placeholder(1), nowMs)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete expired cache entries")
	}
	n, _ := result.RowsAffected()
	return n, nil
}
