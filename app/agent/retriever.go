package agent

import (
	"context"
	"fmt"
	"log/slog"
	"privaterag/logger"
	"privaterag/metrics"
	"privaterag/model"
	"privaterag/store"
	"privaterag/types"
	"time"
)

// Answer is a generated response with the chunks it was grounded on.
type Answer struct {
	Text    string
	Sources []types.ScoredChunk
}

// Retriever runs the query side: embed the question, search the
// collection, generate from the hits.
type Retriever struct {
	embedder model.Embedder
	store    store.VectorStorer
	agent    *Agent
	topK     int
	logger   *slog.Logger
}

func NewRetriever(embedder model.Embedder, storer store.VectorStorer, agent *Agent, topK int, l *slog.Logger) *Retriever {
	if topK <= 0 {
		topK = 4
	}
	return &Retriever{
		embedder: embedder,
		store:    storer,
		agent:    agent,
		topK:     topK,
		logger:   logger.OrDefault(l),
	}
}

// Retrieve answers query from collection using the k best chunks, or the
// configured default when k is 0. The model is checked before anything
// else runs.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string, k int) (ans Answer, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = metrics.Reason(err)
		}
		metrics.RetrievalsTotal.WithLabelValues(outcome).Inc()
	}()

	if err := r.agent.Ready(); err != nil {
		return Answer{}, err
	}
	if !types.ValidCollectionName(collection) {
		return Answer{}, fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}
	if k <= 0 {
		k = r.topK
	}

	start := time.Now()
	vec, err := r.embedder.Embed(ctx, query)
	metrics.StageDuration.WithLabelValues("embed_query").Observe(time.Since(start).Seconds())
	if err != nil {
		return Answer{}, fmt.Errorf("embed query: %w", err)
	}

	start = time.Now()
	hits, err := r.store.Search(ctx, collection, vec, k)
	metrics.StageDuration.WithLabelValues("search").Observe(time.Since(start).Seconds())
	if err != nil {
		return Answer{}, err
	}
	r.logger.Debug("chunks retrieved", "collection", collection, "hits", len(hits))

	text, used, err := r.agent.Generate(ctx, query, hits)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Text: text, Sources: used}, nil
}
