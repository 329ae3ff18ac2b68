package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/store"
)

const embeddingColumns = "id, source_id, source_type, chunk_id, vector, model, created_ts, text_chunk, start_offset, end_offset"

// ListEmbeddings lists embedding records in insertion order.
func (d *DB) ListEmbeddings(ctx context.Context, find *store.FindEmbedding) ([]*store.EmbeddingRecord, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.SourceID != nil {
		where, args = append(where, "source_id = "+placeholder(len(args)+1)), append(args, *find.SourceID)
	}
	if find.ExcludeSourceID != nil {
		where, args = append(where, "source_id != "+placeholder(len(args)+1)), append(args, *find.ExcludeSourceID)
	}
	if find.Model != nil {
		where, args = append(where, "model = "+placeholder(len(args)+1)), append(args, *find.Model)
	}

	query := `
		SELECT ` + embeddingColumns + `
		FROM embedding
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY seq ASC
	`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list embeddings")
	}
	defer rows.Close()

	list := []*store.EmbeddingRecord{}
	for rows.Next() {
		var record store.EmbeddingRecord
		var blob []byte
		if err := rows.Scan(
			&record.ID,
			&record.SourceID,
			&record.SourceType,
			&record.ChunkID,
			&blob,
			&record.Model,
			&record.CreatedTs,
			&record.Metadata.TextChunk,
			&record.Metadata.StartOffset,
			&record.Metadata.EndOffset,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan embedding")
		}
		if record.Vector, err = decodeVector(blob); err != nil {
			return nil, errors.Wrapf(err, "embedding %s", record.ChunkID)
		}
		list = append(list, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

// PutEmbedding inserts a record or overwrites the record with the same chunk id in place.
func (d *DB) PutEmbedding(ctx context.Context, record *store.EmbeddingRecord) error {
	if _, err := upsertEmbedding(ctx, d.db, record); err != nil {
		return errors.Wrap(err, "failed to put embedding")
	}
	return nil
}

// ReplaceEmbeddings swaps every record of sourceID inside one transaction.
func (d *DB) ReplaceEmbeddings(ctx context.Context, sourceID string, records []*store.EmbeddingRecord) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to start transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM embedding WHERE source_id = "+placeholder(1), sourceID); err != nil {
		return errors.Wrapf(err, "failed to delete embeddings of %s", sourceID)
	}
	for _, record := range records {
		if _, err := upsertEmbedding(ctx, tx, record); err != nil {
			return errors.Wrapf(err, "failed to insert embedding %s", record.ChunkID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit replace")
	}
	return nil
}

func (d *DB) DeleteEmbeddingsFor(ctx context.Context, sourceID string) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM embedding WHERE source_id = "+placeholder(1), sourceID); err != nil {
		return errors.Wrapf(err, "failed to delete embeddings of %s", sourceID)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEmbedding(ctx context.Context, db execer, record *store.EmbeddingRecord) (sql.Result, error) {
	stmt := `
		INSERT INTO embedding (` + embeddingColumns + `)
		VALUES (` + placeholders(10) + `)
		ON CONFLICT (chunk_id) DO UPDATE SET
			id = excluded.id,
			source_id = excluded.source_id,
			source_type = excluded.source_type,
			vector = excluded.vector,
			model = excluded.model,
			created_ts = excluded.created_ts,
			text_chunk = excluded.text_chunk,
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset
	`
	return db.ExecContext(ctx, stmt,
		record.ID,
		record.SourceID,
		string(record.SourceType),
		record.ChunkID,
		encodeVector(record.Vector),
		record.Model,
		record.CreatedTs,
		record.Metadata.TextChunk,
		record.Metadata.StartOffset,
		record.Metadata.EndOffset,
	)
}
