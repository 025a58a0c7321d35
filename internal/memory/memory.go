// Package memory indexes message embeddings in an external vector store.
package memory

import (
	"context"
	"fmt"

	"github.com/desh0cc/psychopass/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind is the modality a vector was produced from
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

const imageDocument = "<image>"

// Item is one vector upsert
type Item struct {
	ID       string
	Vector   []float32
	Document string
	Metadata map[string]any
}

// Hit is one ranked query result. Score is similarity in [0,1].
type Hit struct {
	ID       string
	Score    float64
	Document string
	Metadata map[string]any
}

// Index is the vector store collaborator
type Index interface {
	Upsert(ctx context.Context, items []Item) error
	Query(ctx context.Context, vector []float32, k int) ([]Hit, error)
}

// Entry pairs a persisted message with the vector computed for it
type Entry struct {
	Message models.Message
	Kind    Kind
	Vector  []float32
}

// SearchHit is a search result resolved to a message id
type SearchHit struct {
	MessageID uint    `json:"message_id"`
	Kind      Kind    `json:"kind"`
	Score     float64 `json:"score"`
}

// Memory translates persisted messages into index upserts
type Memory struct {
	index Index
	log   *zap.Logger
}

// New creates a new vector memory facade over index
func New(index Index, log *zap.Logger) *Memory {
	return &Memory{index: index, log: log}
}

// VectorID is deterministic so re-indexing a message replaces its vector
func VectorID(messageID uint, kind Kind) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("message:%d:%s", messageID, kind))).String()
}

// AddText indexes text vectors; msgs and vectors are parallel
func (m *Memory) AddText(ctx context.Context, msgs []models.Message, vectors [][]float32) error {
	return m.add(ctx, KindText, msgs, vectors)
}

// AddImages indexes image vectors; msgs and vectors are parallel
func (m *Memory) AddImages(ctx context.Context, msgs []models.Message, vectors [][]float32) error {
	return m.add(ctx, KindImage, msgs, vectors)
}

func (m *Memory) add(ctx context.Context, kind Kind, msgs []models.Message, vectors [][]float32) error {
	if len(msgs) != len(vectors) {
		return fmt.Errorf("memory: %d messages but %d vectors", len(msgs), len(vectors))
	}
	entries := make([]Entry, len(msgs))
	for i := range msgs {
		entries[i] = Entry{Message: msgs[i], Kind: kind, Vector: vectors[i]}
	}
	return m.Index(ctx, entries)
}

// Index upserts entries; entries without a vector are skipped
func (m *Memory) Index(ctx context.Context, entries []Entry) error {
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		doc := e.Message.Text
		if e.Kind == KindImage {
			doc = imageDocument
		}
		items = append(items, Item{
			ID:       VectorID(e.Message.ID, e.Kind),
			Vector:   e.Vector,
			Document: doc,
			Metadata: map[string]any{
				"type":        string(e.Kind),
				"original_id": e.Message.ID,
				"chat_id":     e.Message.ChatID,
				"user_id":     e.Message.UserID,
			},
		})
	}
	if len(items) == 0 {
		return nil
	}

	if err := m.index.Upsert(ctx, items); err != nil {
		return fmt.Errorf("vector upsert: %w", err)
	}
	m.log.Debug("Indexed vectors", zap.Int("count", len(items)))
	return nil
}

// Search returns the k nearest messages to vector, best first
func (m *Memory) Search(ctx context.Context, vector []float32, k int) ([]SearchHit, error) {
	hits, err := m.index.Query(ctx, vector, k)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		id, ok := metadataUint(h.Metadata["original_id"])
		if !ok {
			m.log.Warn("Vector hit without message id", zap.String("id", h.ID))
			continue
		}
		kind, _ := h.Metadata["type"].(string)
		out = append(out, SearchHit{MessageID: id, Kind: Kind(kind), Score: h.Score})
	}
	return out, nil
}

func metadataUint(v any) (uint, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint(n), true
	case int:
		return uint(n), n >= 0
	case int64:
		return uint(n), n >= 0
	case uint:
		return n, true
	}
	return 0, false
}
