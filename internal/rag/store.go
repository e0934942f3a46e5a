package rag

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/db"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// Store keeps chunk metadata in the relational store and the vectors in a
// persistent chromem collection keyed by chunk id. The two stay in sync
// because vector writes happen in the write-queue commit callback.
type Store struct {
	pool       *db.Pool
	queue      *writequeue.Queue
	vectors    *chromem.DB
	collection *chromem.Collection
	dims       int
	log        *logger.Logger
}

// Result is one retrieved chunk with its similarity.
type Result struct {
	Chunk      Chunk
	Similarity float32
	CreatedAt  time.Time
}

const collectionName = "agenthive-knowledge"

// NewStore opens the vector collection at vectorPath. The embedder
// supplies the collection's embedding function so queries can be made by
// text.
func NewStore(pool *db.Pool, queue *writequeue.Queue, vectorPath string, embedder Embedder) (*Store, error) {
	var vectors *chromem.DB
	var err error
	if vectorPath != "" {
		vectors, err = chromem.NewPersistentDB(filepath.Join(vectorPath, "vectors.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		vectors = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := vectors.GetOrCreateCollection(collectionName, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open vector collection: %w", err)
	}

	return &Store{
		pool:       pool,
		queue:      queue,
		vectors:    vectors,
		collection: collection,
		dims:       embedder.Dimensions(),
		log:        logger.New("rag-store"),
	}, nil
}

// DocHash returns the stored whole-document hash for a base ref, or "".
func (s *Store) DocHash(ctx context.Context, baseRef string) (string, error) {
	r := s.pool.Reader()
	var hash string
	err := r.GetContext(ctx, &hash,
		r.Rebind(`SELECT meta_value FROM rag_meta WHERE meta_key = ?`), "hash:"+baseRef)
	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

// BaseRefs lists every indexed base ref, for garbage collection.
func (s *Store) BaseRefs(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.pool.Reader().SelectContext(ctx, &keys,
		`SELECT meta_key FROM rag_meta WHERE meta_key LIKE 'hash:%'`)
	if err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(keys))
	for _, k := range keys {
		refs = append(refs, strings.TrimPrefix(k, "hash:"))
	}
	return refs, nil
}

// ReplaceSource swaps a document's chunks: one transaction removes the old
// rows and inserts the new batch, and the commit callback mirrors the
// change into the vector collection. vectors[i] belongs to chunks[i].
// Chunks whose vector is missing or has the wrong dimension count are
// dropped with a warning.
func (s *Store) ReplaceSource(ctx context.Context, baseRef, docHash string, chunks []Chunk, vectors [][]float32) error {
	if len(vectors) != len(chunks) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	kept := make([]Chunk, 0, len(chunks))
	keptVecs := make([][]float32, 0, len(vectors))
	for i, vec := range vectors {
		if len(vec) == 0 || (s.dims > 0 && len(vec) != s.dims) {
			s.log.Warn("Dropping chunk with malformed embedding",
				zap.String("chunk_id", chunks[i].ID),
				zap.Int("got", len(vec)),
				zap.Int("want", s.dims))
			continue
		}
		kept = append(kept, chunks[i])
		keptVecs = append(keptVecs, vec)
	}
	now := time.Now().UTC()

	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := deleteSourceRows(ctx, tx, baseRef); err != nil {
			return err
		}
		for _, c := range kept {
			_, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO rag_chunks (chunk_id, source_type, source_ref, content, content_hash, token_count, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`),
				c.ID, string(c.SourceType), c.SourceRef, c.Content, c.Hash, c.TokenCount, now)
			if err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM rag_meta WHERE meta_key = ?`), "hash:"+baseRef)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO rag_meta (meta_key, meta_value, updated_at) VALUES (?, ?, ?)`),
			"hash:"+baseRef, docHash, now)
		return err
	}, func(err error) {
		if err != nil {
			return
		}
		s.syncVectors(ctx, baseRef, kept, keptVecs, now)
	})
}

// DeleteSource removes a vanished document's chunks and vectors.
func (s *Store) DeleteSource(ctx context.Context, baseRef string) error {
	return s.queue.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		if err := deleteSourceRows(ctx, tx, baseRef); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			tx.Rebind(`DELETE FROM rag_meta WHERE meta_key = ?`), "hash:"+baseRef)
		return err
	}, func(err error) {
		if err != nil {
			return
		}
		if err := s.collection.Delete(context.WithoutCancel(ctx), map[string]string{"base_ref": baseRef}, nil); err != nil {
			s.log.Warn("Vector delete failed", zap.String("base_ref", baseRef), zap.Error(err))
		}
	})
}

func deleteSourceRows(ctx context.Context, tx *sqlx.Tx, baseRef string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM rag_chunks WHERE source_ref = ? OR source_ref LIKE ?`),
		baseRef, baseRef+"#%")
	return err
}

func (s *Store) syncVectors(ctx context.Context, baseRef string, chunks []Chunk, vectors [][]float32, created time.Time) {
	ctx = context.WithoutCancel(ctx)
	if err := s.collection.Delete(ctx, map[string]string{"base_ref": baseRef}, nil); err != nil {
		s.log.Warn("Stale vector delete failed", zap.String("base_ref", baseRef), zap.Error(err))
	}
	for i, c := range chunks {
		doc := chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Embedding: vectors[i],
			Metadata: map[string]string{
				"base_ref":    baseRef,
				"source_ref":  c.SourceRef,
				"source_type": string(c.SourceType),
				"heading":     c.Heading,
				"created_at":  created.Format(time.RFC3339Nano),
			},
		}
		if err := s.collection.AddDocument(ctx, doc); err != nil {
			s.log.Warn("Vector insert failed", zap.String("chunk_id", c.ID), zap.Error(err))
		}
	}
}

// Search embeds the query through the collection and returns up to topK
// chunks, optionally restricted to one source type.
func (s *Store) Search(ctx context.Context, query string, topK int, sourceType SourceType) ([]Result, error) {
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	var where map[string]string
	if sourceType != "" {
		where = map[string]string{"source_type": string(sourceType)}
	}

	hits, err := s.collection.Query(ctx, query, topK, where, nil)
	if err != nil {
		// chromem errors when the filter excludes everything.
		if strings.Contains(err.Error(), "no documents") {
			return nil, nil
		}
		return nil, fmt.Errorf("vector query: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		created, _ := time.Parse(time.RFC3339Nano, h.Metadata["created_at"])
		results = append(results, Result{
			Chunk: Chunk{
				ID:         h.ID,
				SourceType: SourceType(h.Metadata["source_type"]),
				SourceRef:  h.Metadata["source_ref"],
				Content:    h.Content,
				Heading:    h.Metadata["heading"],
			},
			Similarity: h.Similarity,
			CreatedAt:  created,
		})
	}
	return results, nil
}

// Count returns the number of stored vectors.
func (s *Store) Count() int {
	return s.collection.Count()
}

// ChunkTotal returns the number of metadata rows, used by /health.
func (s *Store) ChunkTotal(ctx context.Context) (int, error) {
	var n int
	err := s.pool.Reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM rag_chunks`)
	return n, err
}
