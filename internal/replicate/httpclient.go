package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPUpserter talks to an external vector collection over a small JSON/HTTP
// contract (upsert-by-id, delete-by-where), using a plain
// http.Client{Timeout} with marshal/decode helpers.
type HTTPUpserter struct {
	baseURL    string
	collection string
	client     *http.Client
}

// NewHTTPUpserter builds an Upserter against baseURL. An empty baseURL
// means replication is unconfigured; callers should not construct a
// Replicator at all in that case.
func NewHTTPUpserter(baseURL, collection string) *HTTPUpserter {
	return &HTTPUpserter{
		baseURL:    baseURL,
		collection: collection,
		client:     &http.Client{Timeout: 3 * time.Second},
	}
}

type upsertRequest struct {
	Collection string    `json:"collection"`
	ID         int64     `json:"id"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Upsert writes one observation's replicated text (and embedding, if any)
// to the external collection.
func (h *HTTPUpserter) Upsert(ctx context.Context, observationID int64, text string, embedding []float32) error {
	body, err := json.Marshal(upsertRequest{
		Collection: h.collection,
		ID:         observationID,
		Text:       text,
		Embedding:  embedding,
	})
	if err != nil {
		return fmt.Errorf("replicate: marshal upsert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/upsert", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("replicate: build upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: call upsert endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replicate: upsert endpoint error: %s - %s", resp.Status, string(respBody))
	}
	return nil
}

type deleteWhereRequest struct {
	Collection string `json:"collection"`
	Project    string `json:"project"`
}

// DeleteWhere issues a best-effort delete-by-project at the external
// collection.
func (h *HTTPUpserter) DeleteWhere(ctx context.Context, project string) error {
	body, err := json.Marshal(deleteWhereRequest{Collection: h.collection, Project: project})
	if err != nil {
		return fmt.Errorf("replicate: marshal delete: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("replicate: build delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("replicate: call delete endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("replicate: delete endpoint error: %s - %s", resp.Status, string(respBody))
	}
	return nil
}
