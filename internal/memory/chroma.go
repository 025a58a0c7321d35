package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ChromaIndex is an Index backed by a Chroma-compatible REST server. The
// collection uses cosine space, so score = 1 - distance clamped to [0,1].
type ChromaIndex struct {
	client     *resty.Client
	collection string
	log        *zap.Logger

	mu           sync.Mutex
	collectionID string
}

// NewChromaIndex creates a new Chroma REST index client
func NewChromaIndex(baseURL, collection string, timeout time.Duration, log *zap.Logger) *ChromaIndex {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &ChromaIndex{client: c, collection: collection, log: log}
}

type createCollectionRequest struct {
	Name        string         `json:"name"`
	Metadata    map[string]any `json:"metadata"`
	GetOrCreate bool           `json:"get_or_create"`
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type upsertRequest struct {
	IDs        []string         `json:"ids"`
	Embeddings [][]float32      `json:"embeddings"`
	Documents  []string         `json:"documents"`
	Metadatas  []map[string]any `json:"metadatas"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Distances [][]float64        `json:"distances"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
}

// ensureCollection resolves the collection id once; failures are retried on the next call
func (c *ChromaIndex) ensureCollection(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.collectionID != "" {
		return c.collectionID, nil
	}

	req := createCollectionRequest{
		Name:        c.collection,
		Metadata:    map[string]any{"hnsw:space": "cosine"},
		GetOrCreate: true,
	}
	var cr collectionResponse
	if err := c.post(ctx, "/api/v1/collections", &req, &cr); err != nil {
		return "", fmt.Errorf("get or create collection %s: %w", c.collection, err)
	}
	if cr.ID == "" {
		return "", fmt.Errorf("collection %s: empty id in response", c.collection)
	}

	c.collectionID = cr.ID
	c.log.Info("Vector collection ready", zap.String("collection", c.collection), zap.String("id", cr.ID))
	return cr.ID, nil
}

// Upsert writes items, replacing vectors with the same id
func (c *ChromaIndex) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	id, err := c.ensureCollection(ctx)
	if err != nil {
		return err
	}

	req := upsertRequest{
		IDs:        make([]string, len(items)),
		Embeddings: make([][]float32, len(items)),
		Documents:  make([]string, len(items)),
		Metadatas:  make([]map[string]any, len(items)),
	}
	for i, it := range items {
		req.IDs[i] = it.ID
		req.Embeddings[i] = it.Vector
		req.Documents[i] = it.Document
		req.Metadatas[i] = it.Metadata
	}

	return c.post(ctx, "/api/v1/collections/"+id+"/upsert", &req, nil)
}

// Query returns the k nearest items to vector
func (c *ChromaIndex) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	id, err := c.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}

	req := queryRequest{
		QueryEmbeddings: [][]float32{vector},
		NResults:        k,
		Include:         []string{"metadatas", "documents", "distances"},
	}
	var qr queryResponse
	if err := c.post(ctx, "/api/v1/collections/"+id+"/query", &req, &qr); err != nil {
		return nil, err
	}
	if len(qr.IDs) == 0 {
		return nil, nil
	}

	hits := make([]Hit, len(qr.IDs[0]))
	for i, hid := range qr.IDs[0] {
		hits[i] = Hit{ID: hid}
		if len(qr.Distances) > 0 && i < len(qr.Distances[0]) {
			hits[i].Score = scoreFromDistance(qr.Distances[0][i])
		}
		if len(qr.Documents) > 0 && i < len(qr.Documents[0]) {
			hits[i].Document = qr.Documents[0][i]
		}
		if len(qr.Metadatas) > 0 && i < len(qr.Metadatas[0]) {
			hits[i].Metadata = qr.Metadatas[0][i]
		}
	}
	return hits, nil
}

// scoreFromDistance maps a cosine distance in [0,2] to a similarity in [0,1]
func scoreFromDistance(d float64) float64 {
	switch score := 1 - d; {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

func (c *ChromaIndex) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return fmt.Errorf("chroma request %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return fmt.Errorf("chroma status %d on %s: %s", resp.StatusCode(), path, resp.String())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
