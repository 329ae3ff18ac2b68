package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// SourceType is the kind of content an embedding was generated from.
type SourceType string

const (
	SourceTypeNote SourceType = "note"
	SourceTypeFile SourceType = "file"
)

// EmbeddingMetadata locates the embedded chunk inside its source text.
type EmbeddingMetadata struct {
	TextChunk   string `json:"text_chunk"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// EmbeddingRecord is the vector embedding of one chunk of a source.
type EmbeddingRecord struct {
	ID         string
	SourceID   string
	SourceType SourceType
	ChunkID    string
	Vector     []float32
	Model      string // Model identifier, e.g., "BAAI/bge-m3" or "fallback-v1"
	CreatedTs  int64
	Metadata   EmbeddingMetadata
}

// FindEmbedding is the find condition for embedding records.
// Results are returned in insertion order.
type FindEmbedding struct {
	SourceID        *string
	ExcludeSourceID *string
	Model           *string
}

// ChunkID returns the chunk id of the index-th chunk of sourceID.
func ChunkID(sourceID string, index int) string {
	return fmt.Sprintf("%s#%d", sourceID, index)
}

// NewEmbeddingID returns a fresh record id.
func NewEmbeddingID() string {
	return shortuuid.New()
}

func (r *EmbeddingRecord) prepare(now time.Time) {
	if r.ID == "" {
		r.ID = NewEmbeddingID()
	}
	if r.SourceType == "" {
		r.SourceType = SourceTypeNote
	}
	if r.CreatedTs == 0 {
		r.CreatedTs = now.Unix()
	}
}

// ListEmbeddings lists embedding records.
func (s *Store) ListEmbeddings(ctx context.Context, find *FindEmbedding) ([]*EmbeddingRecord, error) {
	if find == nil {
		find = &FindEmbedding{}
	}
	list, err := s.driver.ListEmbeddings(ctx, find)
	if err != nil {
		return nil, unavailable("list embeddings", err)
	}
	return list, nil
}

// GetEmbeddings returns every record of sourceID.
func (s *Store) GetEmbeddings(ctx context.Context, sourceID string) ([]*EmbeddingRecord, error) {
	return s.ListEmbeddings(ctx, &FindEmbedding{SourceID: &sourceID})
}

// GetAllEmbeddings returns every stored record.
func (s *Store) GetAllEmbeddings(ctx context.Context) ([]*EmbeddingRecord, error) {
	return s.ListEmbeddings(ctx, &FindEmbedding{})
}

// PutEmbedding stores a single record, replacing any record with the same chunk id.
func (s *Store) PutEmbedding(ctx context.Context, record *EmbeddingRecord) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	record.prepare(s.now())
	if err := s.driver.PutEmbedding(ctx, record); err != nil {
		return unavailable("put embedding", err)
	}
	return nil
}

// ReplaceEmbeddings deletes every record of sourceID and writes records in one step.
// Readers never observe a mix of old and new chunks.
func (s *Store) ReplaceEmbeddings(ctx context.Context, sourceID string, records []*EmbeddingRecord) error {
	if sourceID == "" {
		return errors.New("source id is required")
	}
	seen := make(map[string]bool, len(records))
	now := s.now()
	for _, record := range records {
		if err := validateRecord(record); err != nil {
			return err
		}
		if record.SourceID != sourceID {
			return errors.Errorf("record %s belongs to source %s, not %s", record.ChunkID, record.SourceID, sourceID)
		}
		if seen[record.ChunkID] {
			return errors.Errorf("duplicate chunk id %s", record.ChunkID)
		}
		seen[record.ChunkID] = true
		record.prepare(now)
	}

	if err := s.driver.ReplaceEmbeddings(ctx, sourceID, records); err != nil {
		return unavailable("replace embeddings", err)
	}
	return nil
}

// DeleteEmbeddingsFor deletes every record of sourceID. Deleting nothing is not an error.
func (s *Store) DeleteEmbeddingsFor(ctx context.Context, sourceID string) error {
	if err := s.driver.DeleteEmbeddingsFor(ctx, sourceID); err != nil {
		return unavailable("delete embeddings", err)
	}
	return nil
}

func validateRecord(record *EmbeddingRecord) error {
	if record == nil {
		return errors.New("embedding record is nil")
	}
	if record.SourceID == "" || record.ChunkID == "" {
		return errors.New("embedding record requires source id and chunk id")
	}
	if len(record.Vector) == 0 {
		return errors.Errorf("embedding record %s has an empty vector", record.ChunkID)
	}
	if record.Model == "" {
		return errors.Errorf("embedding record %s has no model", record.ChunkID)
	}
	return nil
}
