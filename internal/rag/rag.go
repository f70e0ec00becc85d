// Package rag stores and retrieves assessment knowledge by embedding text
// into Qdrant collections.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/embedding"
	"github.com/nidhogg/nuka-assess/internal/vectorstore"
)

const (
	CollKnowledge = "project_knowledge"
	CollReports   = "assessment_reports"
)

// Vectors is the subset of *vectorstore.Client the index needs.
type Vectors interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points ...vectorstore.Point) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, match map[string]string) ([]vectorstore.Hit, error)
}

// Result is one retrieved document.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Index embeds documents and searches them across collections.
type Index struct {
	embedder embedding.Provider
	vectors  Vectors
	logger   *zap.Logger
}

// NewIndex creates an index.
func NewIndex(embedder embedding.Provider, vectors Vectors, logger *zap.Logger) *Index {
	return &Index{embedder: embedder, vectors: vectors, logger: logger}
}

// Init ensures the collections exist.
func (x *Index) Init(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		collections = []string{CollKnowledge, CollReports}
	}
	dim := uint64(x.embedder.Dimension())
	if dim == 0 {
		dim = 768
	}
	for _, name := range collections {
		if err := x.vectors.EnsureCollection(ctx, name, dim); err != nil {
			return fmt.Errorf("init collection %s: %w", name, err)
		}
	}
	return nil
}

// Store embeds content and upserts it with metadata. It returns the point id.
func (x *Index) Store(ctx context.Context, collection, content string, metadata map[string]any) (string, error) {
	vectors, err := x.embedder.Embed(ctx, []string{content})
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return "", errors.New("empty embedding result")
	}

	payload := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload["content"] = content
	payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)

	id := uuid.New().String()
	if err := x.vectors.Upsert(ctx, collection, vectorstore.Point{ID: id, Vector: vectors[0], Payload: payload}); err != nil {
		return "", err
	}
	return id, nil
}

// Query searches collections for the topK closest documents, optionally
// restricted by payload match, best first. A failing collection is logged
// and skipped.
func (x *Index) Query(ctx context.Context, collections []string, query string, topK int, match map[string]string) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	vectors, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	var all []Result
	for _, coll := range collections {
		hits, err := x.vectors.Search(ctx, coll, vectors[0], uint64(topK), match)
		if err != nil {
			x.logger.Warn("knowledge search failed", zap.String("collection", coll), zap.Error(err))
			continue
		}
		for _, h := range hits {
			content, _ := h.Payload["content"].(string)
			meta := make(map[string]any, len(h.Payload))
			for k, v := range h.Payload {
				if k != "content" {
					meta[k] = v
				}
			}
			all = append(all, Result{
				ID:       h.ID,
				Content:  content,
				Source:   coll,
				Score:    h.Score,
				Metadata: meta,
			})
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > topK {
		all = all[:topK]
	}
	return all, nil
}
