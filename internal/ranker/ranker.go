// Package ranker implements the pure, per-call relevance scoring used by
// the search orchestrator (component F): a weighted sum of lexical,
// semantic, recency, and tag-boost scores with deterministic tie-breaking.
package ranker

import (
	"sort"
	"strings"
)

// Weights controls the contribution of each scoring dimension. The zero
// value is invalid; use DefaultWeights.
type Weights struct {
	Lexical  float64
	Semantic float64
	Recency  float64
	Tag      float64
}

// DefaultWeights returns the default scoring weights. Callers disabling
// semantic search set Semantic=0 directly; the remaining weights are used
// as-is, without renormalization.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.45, Semantic: 0.35, Recency: 0.15, Tag: 0.05}
}

// Candidate is one item to be scored and ranked.
type Candidate struct {
	ID          int64
	Title       string
	Subtitle    string
	Text        string
	Tags        []string
	CreatedAtMs int64
	// Semantic is the externally supplied similarity in [0,1]; callers pass
	// 0 when no semantic score was computed for this candidate.
	Semantic float64
}

// Scored is a Candidate with its computed score breakdown.
type Scored struct {
	Candidate Candidate
	Lexical   float64
	Semantic  float64
	Recency   float64
	Tag       float64
	Final     float64
}

// Rank scores every candidate against query using weights and MinMaxRecency
// for the recency dimension, then sorts descending by Final, breaking ties
// by higher CreatedAtMs, then higher ID.
func Rank(candidates []Candidate, query string, w Weights) []Scored {
	recency := MinMaxRecency(candidates)

	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		lex := LexicalScore(query, c.Title, c.Subtitle, c.Text)
		sem := clamp01(c.Semantic)
		rec := recency[i]
		tag := TagBoost(query, c.Tags)

		out[i] = Scored{
			Candidate: c,
			Lexical:   lex,
			Semantic:  sem,
			Recency:   rec,
			Tag:       tag,
			Final:     w.Lexical*lex + w.Semantic*sem + w.Recency*rec + w.Tag*tag,
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Final != out[j].Final {
			return out[i].Final > out[j].Final
		}
		if out[i].Candidate.CreatedAtMs != out[j].Candidate.CreatedAtMs {
			return out[i].Candidate.CreatedAtMs > out[j].Candidate.CreatedAtMs
		}
		return out[i].Candidate.ID > out[j].Candidate.ID
	})
	return out
}

// LexicalScore is case-insensitive. If query is a substring of
// title+" "+subtitle+" "+text, the score is min(1.0, 0.5+len(query)/len(text)).
// Otherwise it is the fraction of query words (length >= 2) that appear as
// substrings of the concatenation. An empty query scores 0.
func LexicalScore(query, title, subtitle, text string) float64 {
	if query == "" {
		return 0
	}
	q := strings.ToLower(query)
	haystack := strings.ToLower(title + " " + subtitle + " " + text)

	if strings.Contains(haystack, q) {
		if len(text) == 0 {
			return 1.0
		}
		score := 0.5 + float64(len(query))/float64(len(text))
		if score > 1.0 {
			score = 1.0
		}
		return score
	}

	words := queryWords(q)
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, word := range words {
		if strings.Contains(haystack, word) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

// TagBoost is the fraction of tags containing any query word (length >= 2).
// 0 if there are no tags.
func TagBoost(query string, tags []string) float64 {
	if len(tags) == 0 {
		return 0
	}
	words := queryWords(strings.ToLower(query))
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		lowerTag := strings.ToLower(tag)
		for _, word := range words {
			if strings.Contains(lowerTag, word) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(tags))
}

// MinMaxRecency normalizes CreatedAtMs across the batch to [0,1]. If every
// candidate shares the same timestamp, every score is 0.5. This is the
// variant Rank uses for batches larger than one candidate.
func MinMaxRecency(candidates []Candidate) []float64 {
	out := make([]float64, len(candidates))
	if len(candidates) == 0 {
		return out
	}
	min, max := candidates[0].CreatedAtMs, candidates[0].CreatedAtMs
	for _, c := range candidates {
		if c.CreatedAtMs < min {
			min = c.CreatedAtMs
		}
		if c.CreatedAtMs > max {
			max = c.CreatedAtMs
		}
	}
	if min == max {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	span := float64(max - min)
	for i, c := range candidates {
		out[i] = float64(c.CreatedAtMs-min) / span
	}
	return out
}

// AgeBucketRecency is a coarse bucket-scoring alternative, acceptable for
// standalone scoring: <=1d:1.0, <=7d:0.8, <=30d:0.5, <=90d:0.3, else 0.1.
// Not used by Rank, but available for callers that score one candidate at
// a time against nowMs rather than as a batch.
func AgeBucketRecency(createdAtMs, nowMs int64) float64 {
	const day = int64(24 * 60 * 60 * 1000)
	age := nowMs - createdAtMs
	switch {
	case age <= day:
		return 1.0
	case age <= 7*day:
		return 0.8
	case age <= 30*day:
		return 0.5
	case age <= 90*day:
		return 0.3
	default:
		return 0.1
	}
}

func queryWords(q string) []string {
	var words []string
	for _, w := range strings.Fields(q) {
		if len(w) >= 2 {
			words = append(words, w)
		}
	}
	return words
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
