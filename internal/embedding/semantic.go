package embedding

import (
	"context"
	"fmt"
	"sort"

	"github.com/opencodemem/opencodemem/internal/store"
)

// Searcher answers semantic similarity queries using a worker's provider
// and the store's vector table.
type Searcher struct {
	store    *store.Store
	provider Provider
}

// NewSearcher builds a semantic searcher sharing a provider with a Worker.
func NewSearcher(st *store.Store, provider Provider) *Searcher {
	return &Searcher{store: st, provider: provider}
}

// Search embeds query, fetches every vector scoped to project, and returns
// the top-K observation ids by cosine similarity clamped to [0,1].
func (s *Searcher) Search(ctx context.Context, project, query string, topK int) (map[int64]float64, error) {
	queryVec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding: search: embed query: %w", err)
	}

	vectors, err := s.store.VectorsForProject(project)
	if err != nil {
		return nil, fmt.Errorf("embedding: search: load vectors: %w", err)
	}

	type scored struct {
		id    int64
		score float64
	}
	scores := make([]scored, 0, len(vectors))
	for _, v := range vectors {
		sim := store.CosineSimilarity(queryVec, v.Embedding)
		if sim < 0 {
			sim = 0
		}
		scores = append(scores, scored{id: v.ObservationID, score: sim})
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id > scores[j].id
	})

	if topK > 0 && len(scores) > topK {
		scores = scores[:topK]
	}

	out := make(map[int64]float64, len(scores))
	for _, sc := range scores {
		out[sc.id] = sc.score
	}
	return out, nil
}
