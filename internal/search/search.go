// Package search implements the orchestrator (component G): it runs a
// registry of named retrieval strategies, merges and filters their hits,
// ranks the survivors, and keeps a last-writer-wins diagnostics snapshot.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencodemem/opencodemem/internal/ranker"
	"github.com/opencodemem/opencodemem/internal/store"
)

// SemanticSearcher is the subset of embedding.Searcher the orchestrator
// depends on, kept narrow so search doesn't import the provider machinery.
type SemanticSearcher interface {
	Search(ctx context.Context, project, query string, topK int) (map[int64]float64, error)
}

// Options configures one Search call.
type Options struct {
	Query       string
	Project     string
	Type        store.ObservationType
	DateStart   *int64
	DateEnd     *int64
	Limit       int
	Offset      int
	UseFTS      bool
	UseSemantic bool
	// RelevanceThreshold drops candidates whose ranked Final score falls
	// below it. 0 disables the filter.
	RelevanceThreshold float64
}

// ResultItem is one ranked, filtered search hit.
type ResultItem struct {
	Observation store.Observation
	Scores      ranker.Scored
}

// Result is the orchestrator's response envelope.
type Result struct {
	Results    []ResultItem
	Total      int
	TimingMs   int64
	Strategies []string
}

// StrategyTiming records one strategy's elapsed time and input count for
// the diagnostics snapshot.
type StrategyTiming struct {
	Name       string
	ElapsedMs  int64
	InputCount int
}

// FilterCount records one filter stage's output cardinality.
type FilterCount struct {
	Name   string
	Output int
}

// Diagnostics is the last-writer-wins snapshot of a Search call.
type Diagnostics struct {
	Query      string
	Strategies []StrategyTiming
	Filters    []FilterCount
	StartMs    int64
	EndMs      int64
}

// Orchestrator runs search(query, options) against a Store and an optional
// semantic searcher.
type Orchestrator struct {
	store    *store.Store
	semantic SemanticSearcher
	weights  ranker.Weights

	mu   sync.Mutex
	last Diagnostics
}

// New builds an Orchestrator with the default ranking weights. semantic
// may be nil, in which case semantic search is always skipped, equivalent
// to embeddings being disabled.
func New(st *store.Store, semantic SemanticSearcher) *Orchestrator {
	return NewWithWeights(st, semantic, ranker.DefaultWeights())
}

// NewWithWeights builds an Orchestrator with custom ranking weights.
// Callers running without semantic search set Weights.Semantic to 0; the
// remaining weights are used as-is, without renormalization.
func NewWithWeights(st *store.Store, semantic SemanticSearcher, w ranker.Weights) *Orchestrator {
	return &Orchestrator{store: st, semantic: semantic, weights: w}
}

// LastDiagnostics returns the most recent Search call's diagnostics
// snapshot. Advisory only; concurrent Search calls make this last-writer-wins.
func (o *Orchestrator) LastDiagnostics() Diagnostics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Search runs the full strategy-gate -> fallback -> filter -> rank
// pipeline.
func (o *Orchestrator) Search(ctx context.Context, opts Options) (*Result, error) {
	startMs := nowMsFunc()
	diag := Diagnostics{Query: opts.Query, StartMs: startMs}

	merged := map[int64]*mergedHit{}
	var strategiesRun []string

	if opts.UseFTS {
		t0 := nowMsFunc()
		matchExpr := store.CompileFTSQuery(opts.Query)
		var hits []store.Hit
		if matchExpr != "" {
			h, err := o.store.FTSSearch(matchExpr, opts.Project, opts.Type, opts.DateStart, opts.DateEnd)
			if err == nil {
				hits = h
			}
		}
		diag.Strategies = append(diag.Strategies, StrategyTiming{Name: "fts", ElapsedMs: nowMsFunc() - t0, InputCount: len(hits)})
		strategiesRun = append(strategiesRun, "fts")
		mergeFTS(merged, hits)
	}

	if opts.UseSemantic && o.semantic != nil && opts.Project != "" {
		t0 := nowMsFunc()
		sims, err := o.semantic.Search(ctx, opts.Project, opts.Query, 50)
		if err != nil {
			sims = nil
		}
		diag.Strategies = append(diag.Strategies, StrategyTiming{Name: "semantic", ElapsedMs: nowMsFunc() - t0, InputCount: len(sims)})
		strategiesRun = append(strategiesRun, "semantic")
		mergeSemantic(merged, sims)
	}

	if len(merged) == 0 {
		t0 := nowMsFunc()
		hits, err := o.store.SubstringSearch(opts.Query, opts.Project, opts.Type, opts.DateStart, opts.DateEnd)
		if err != nil {
			hits = nil
		}
		diag.Strategies = append(diag.Strategies, StrategyTiming{Name: "fallback", ElapsedMs: nowMsFunc() - t0, InputCount: len(hits)})
		strategiesRun = append(strategiesRun, "fallback")
		mergeFTS(merged, hits)
	}

	ids := make([]int64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	observations, err := o.store.GetObservations(ids, "", "id")
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]store.Observation, len(observations))
	for _, obs := range observations {
		byID[obs.ID] = obs
	}

	filtered := make([]store.Observation, 0, len(observations))
	for _, id := range ids {
		if obs, ok := byID[id]; ok {
			filtered = append(filtered, obs)
		}
	}

	filtered = applyFilter(&diag, "project", filtered, func(o store.Observation) bool {
		return opts.Project == "" || o.Project == opts.Project
	})
	filtered = applyFilter(&diag, "type", filtered, func(o store.Observation) bool {
		return opts.Type == "" || o.Type == opts.Type
	})
	filtered = applyFilter(&diag, "date_range", filtered, func(o store.Observation) bool {
		if opts.DateStart != nil && o.CreatedAtMs < *opts.DateStart {
			return false
		}
		if opts.DateEnd != nil && o.CreatedAtMs > *opts.DateEnd {
			return false
		}
		return true
	})
	filtered = dedupeByTitle(&diag, filtered)

	candidates := make([]ranker.Candidate, len(filtered))
	for i, obs := range filtered {
		sem := 0.0
		if m, ok := merged[obs.ID]; ok {
			sem = m.semantic
		}
		candidates[i] = ranker.Candidate{
			ID:          obs.ID,
			Title:       obs.Title,
			Subtitle:    obs.Subtitle,
			Text:        obs.Text,
			Tags:        obs.Facts,
			CreatedAtMs: obs.CreatedAtMs,
			Semantic:    sem,
		}
	}

	ranked := ranker.Rank(candidates, opts.Query, o.weights)

	if opts.RelevanceThreshold > 0 {
		kept := make([]ranker.Scored, 0, len(ranked))
		for _, r := range ranked {
			if r.Final >= opts.RelevanceThreshold {
				kept = append(kept, r)
			}
		}
		diag.Filters = append(diag.Filters, FilterCount{Name: "relevance_threshold", Output: len(kept)})
		ranked = kept
	}

	total := len(ranked)
	offset := opts.Offset
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := ranked[offset:end]

	results := make([]ResultItem, len(page))
	for i, r := range page {
		results[i] = ResultItem{Observation: byID[r.Candidate.ID], Scores: r}
	}

	diag.EndMs = nowMsFunc()
	o.mu.Lock()
	o.last = diag
	o.mu.Unlock()

	return &Result{
		Results:    results,
		Total:      total,
		TimingMs:   diag.EndMs - diag.StartMs,
		Strategies: strategiesRun,
	}, nil
}

type mergedHit struct {
	semantic float64
}

func mergeFTS(merged map[int64]*mergedHit, hits []store.Hit) {
	for _, h := range hits {
		if _, ok := merged[h.ObservationID]; !ok {
			merged[h.ObservationID] = &mergedHit{}
		}
	}
}

func mergeSemantic(merged map[int64]*mergedHit, sims map[int64]float64) {
	for id, sim := range sims {
		m, ok := merged[id]
		if !ok {
			m = &mergedHit{}
			merged[id] = m
		}
		if m.semantic == 0 {
			m.semantic = sim
		}
	}
}

func applyFilter(diag *Diagnostics, name string, in []store.Observation, keep func(store.Observation) bool) []store.Observation {
	out := make([]store.Observation, 0, len(in))
	for _, o := range in {
		if keep(o) {
			out = append(out, o)
		}
	}
	diag.Filters = append(diag.Filters, FilterCount{Name: name, Output: len(out)})
	return out
}

func dedupeByTitle(diag *Diagnostics, in []store.Observation) []store.Observation {
	seen := make(map[string]bool, len(in))
	out := make([]store.Observation, 0, len(in))
	sorted := make([]store.Observation, len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAtMs > sorted[j].CreatedAtMs })
	for _, o := range sorted {
		key := strings.ToLower(strings.TrimSpace(o.Title))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, o)
	}
	diag.Filters = append(diag.Filters, FilterCount{Name: "dedupe_by_title", Output: len(out)})
	return out
}

// nowMsFunc is a package-level var so tests could override it; production
// code always uses the real clock.
var nowMsFunc = func() int64 {
	return time.Now().UnixMilli()
}
