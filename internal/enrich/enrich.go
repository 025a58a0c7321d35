// Package enrich talks to the model sidecar that embeds message content and
// predicts emotion labels.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/desh0cc/psychopass/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Embedder produces fixed-dimension vectors. Both methods preserve input
// order; an image that cannot be read yields a nil vector in its slot.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImages(ctx context.Context, paths []string) ([][]float32, error)
}

// Classifier maps embedding vectors to emotion labels, one per row
type Classifier interface {
	PredictBatch(ctx context.Context, vectors [][]float32) ([]string, error)
}

// Client calls the inference sidecar over HTTP
type Client struct {
	client *resty.Client
	log    *zap.Logger
}

// NewClient creates a new inference sidecar client
func NewClient(cfg config.EnrichmentConfig, log *zap.Logger) *Client {
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &Client{client: c, log: log}
}

type embedTextsRequest struct {
	Texts []string `json:"texts"`
}

type embedImagesRequest struct {
	Paths []string `json:"paths"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type classifyRequest struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type classifyResponse struct {
	Labels []string `json:"labels"`
}

// EmbedTexts embeds each text
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var er embedResponse
	if err := c.post(ctx, "/embed/texts", &embedTextsRequest{Texts: texts}, &er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed texts: got %d vectors for %d inputs", len(er.Embeddings), len(texts))
	}
	return er.Embeddings, nil
}

// EmbedImages embeds each local image path
func (c *Client) EmbedImages(ctx context.Context, paths []string) ([][]float32, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	var er embedResponse
	if err := c.post(ctx, "/embed/images", &embedImagesRequest{Paths: paths}, &er); err != nil {
		return nil, err
	}
	if len(er.Embeddings) != len(paths) {
		return nil, fmt.Errorf("embed images: got %d vectors for %d inputs", len(er.Embeddings), len(paths))
	}
	return er.Embeddings, nil
}

// PredictBatch classifies each vector
func (c *Client) PredictBatch(ctx context.Context, vectors [][]float32) ([]string, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	var cr classifyResponse
	if err := c.post(ctx, "/classify", &classifyRequest{Embeddings: vectors}, &cr); err != nil {
		return nil, err
	}
	if len(cr.Labels) != len(vectors) {
		return nil, fmt.Errorf("classify: got %d labels for %d inputs", len(cr.Labels), len(vectors))
	}
	return cr.Labels, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		c.log.Warn("Inference request failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("inference request %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		c.log.Warn("Inference sidecar returned an error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
			zap.Duration("latency", resp.Time()),
		)
		return fmt.Errorf("inference status %d on %s: %s", resp.StatusCode(), path, resp.String())
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
