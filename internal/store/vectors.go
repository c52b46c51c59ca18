package store

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// SaveVector stores the embedding for an observation, replacing any prior
// vector for the same observation (re-embedding after a model change).
func (s *Store) SaveVector(v Vector) error {
	blob := EncodeEmbedding(v.Embedding)
	createdAt := v.CreatedAtMs
	if createdAt == 0 {
		createdAt = nowMs()
	}
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO vectors (observation_id, embedding, model, created_at_ms)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(observation_id) DO UPDATE SET
				embedding = excluded.embedding,
				model = excluded.model,
				created_at_ms = excluded.created_at_ms`,
			v.ObservationID, blob, v.Model, createdAt,
		)
		if err != nil {
			return fmt.Errorf("store: save vector: %w", err)
		}
		return nil
	})
}

// GetVector retrieves the embedding for a single observation.
func (s *Store) GetVector(observationID int64) (*Vector, error) {
	var v Vector
	var blob []byte
	v.ObservationID = observationID
	err := s.db.QueryRow(
		`SELECT embedding, model, created_at_ms FROM vectors WHERE observation_id = ?`,
		observationID,
	).Scan(&blob, &v.Model, &v.CreatedAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get vector: %w", err)
	}
	v.Embedding = DecodeEmbedding(blob)
	return &v, nil
}

// VectorsForProject returns every stored vector scoped to project, for
// brute-force semantic similarity search.
func (s *Store) VectorsForProject(project string) ([]Vector, error) {
	rows, err := s.db.Query(
		`SELECT v.observation_id, v.embedding, v.model, v.created_at_ms
		 FROM vectors v JOIN observations o ON o.id = v.observation_id
		 WHERE o.project = ?`,
		project,
	)
	if err != nil {
		return nil, fmt.Errorf("store: vectors for project: %w", err)
	}
	defer rows.Close()

	var out []Vector
	for rows.Next() {
		var v Vector
		var blob []byte
		if err := rows.Scan(&v.ObservationID, &blob, &v.Model, &v.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("store: scan vector: %w", err)
		}
		v.Embedding = DecodeEmbedding(blob)
		out = append(out, v)
	}
	return out, rows.Err()
}

// EncodeEmbedding packs a float32 embedding into a little-endian byte blob
// for storage in a BLOB column.
func EncodeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeEmbedding unpacks a byte blob written by EncodeEmbedding back into a
// float32 embedding.
func DecodeEmbedding(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// CosineSimilarity returns the cosine similarity of two equal-length
// embeddings, or 0 if either is the zero vector or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
