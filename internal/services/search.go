package services

import (
	"context"
	"strings"

	"github.com/desh0cc/psychopass/internal/enrich"
	"github.com/desh0cc/psychopass/internal/memory"
	"github.com/desh0cc/psychopass/internal/result"

	"go.uber.org/zap"
)

// Search engines
const (
	EngineLinear = "linear"
	EngineVector = "vector"
)

const defaultVectorTopK = 5

// VectorSearcher ranks stored vectors against a query vector
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]memory.SearchHit, error)
}

// SearchService answers free-text queries either by substring match or by
// nearest-neighbour lookup in the vector memory
type SearchService struct {
	messages *MessageService
	embedder enrich.Embedder
	vectors  VectorSearcher
	log      *zap.Logger
}

// NewSearchService creates a new search service. embedder and vectors may be
// nil, in which case only the linear engine is available.
func NewSearchService(messages *MessageService, embedder enrich.Embedder, vectors VectorSearcher, log *zap.Logger) *SearchService {
	return &SearchService{messages: messages, embedder: embedder, vectors: vectors, log: log}
}

// Engines lists the engines this service can serve
func (s *SearchService) Engines() []string {
	if s.embedder != nil && s.vectors != nil {
		return []string{EngineLinear, EngineVector}
	}
	return []string{EngineLinear}
}

// Search runs query on the named engine; an empty engine means linear
func (s *SearchService) Search(ctx context.Context, query, engine string, limit int) result.Result[[]MessageView] {
	const op = "search"

	query = strings.TrimSpace(query)
	if query == "" {
		return result.Fail[[]MessageView](result.Errorf(result.Invalid, op, "query is required"))
	}

	switch engine {
	case "", EngineLinear:
		views, err := s.messages.Search(ctx, query, limit)
		if err != nil {
			return result.FromError[[]MessageView](op, err)
		}
		return result.Ok(views)
	case EngineVector:
		return s.vectorSearch(ctx, query, limit)
	default:
		return result.Fail[[]MessageView](result.Errorf(result.Invalid, op, "unknown search engine %q", engine))
	}
}

func (s *SearchService) vectorSearch(ctx context.Context, query string, limit int) result.Result[[]MessageView] {
	const op = "search.vector"

	if s.embedder == nil || s.vectors == nil {
		return result.Fail[[]MessageView](result.Errorf(result.Invalid, op, "vector search is not enabled"))
	}
	if limit <= 0 {
		limit = defaultVectorTopK
	}

	vecs, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		return result.Fail[[]MessageView](result.Wrap(result.ExternalIO, op, err))
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return result.Fail[[]MessageView](result.Errorf(result.ExternalIO, op, "embedder returned no vector for query"))
	}

	hits, err := s.vectors.Search(ctx, vecs[0], limit)
	if err != nil {
		return result.Fail[[]MessageView](result.Wrap(result.ExternalIO, op, err))
	}

	// A message indexed under both modalities appears once, at its best rank
	ids := make([]uint, 0, len(hits))
	seen := make(map[uint]bool, len(hits))
	for _, h := range hits {
		if seen[h.MessageID] {
			continue
		}
		seen[h.MessageID] = true
		ids = append(ids, h.MessageID)
	}

	views, err := s.messages.ByIDs(ctx, ids)
	if err != nil {
		return result.FromError[[]MessageView](op, err)
	}
	s.log.Debug("Vector search", zap.String("query", query), zap.Int("hits", len(hits)), zap.Int("messages", len(views)))
	return result.Ok(views)
}
