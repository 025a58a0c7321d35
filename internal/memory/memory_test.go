package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/desh0cc/psychopass/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeChroma keeps upserted items in memory and answers queries in insertion order
type fakeChroma struct {
	mu          sync.Mutex
	creates     int
	items       map[string]upsertRequest
	order       []string
	lastQueryK  int
	collections []createCollectionRequest
	step        float64
}

func (f *fakeChroma) distanceStep() float64 {
	if f.step == 0 {
		return 0.25
	}
	return f.step
}

func (f *fakeChroma) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/api/v1/collections":
			var req createCollectionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.creates++
			f.collections = append(f.collections, req)
			json.NewEncoder(w).Encode(collectionResponse{ID: "col-1", Name: req.Name})
		case "/api/v1/collections/col-1/upsert":
			var req upsertRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			for i, id := range req.IDs {
				if _, ok := f.items[id]; !ok {
					f.order = append(f.order, id)
				}
				f.items[id] = upsertRequest{
					IDs:        []string{id},
					Embeddings: [][]float32{req.Embeddings[i]},
					Documents:  []string{req.Documents[i]},
					Metadatas:  []map[string]any{req.Metadatas[i]},
				}
			}
			w.Write([]byte("true"))
		case "/api/v1/collections/col-1/query":
			var req queryRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.lastQueryK = req.NResults
			resp := queryResponse{IDs: [][]string{{}}, Distances: [][]float64{{}}, Documents: [][]string{{}}, Metadatas: [][]map[string]any{{}}}
			for i, id := range f.order {
				if i >= req.NResults {
					break
				}
				it := f.items[id]
				resp.IDs[0] = append(resp.IDs[0], id)
				resp.Distances[0] = append(resp.Distances[0], f.distanceStep()*float64(i))
				resp.Documents[0] = append(resp.Documents[0], it.Documents[0])
				resp.Metadatas[0] = append(resp.Metadatas[0], it.Metadatas[0])
			}
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	})
}

func TestMemoryIndexAndSearch(t *testing.T) {
	fake := &fakeChroma{items: map[string]upsertRequest{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	log := zaptest.NewLogger(t)
	mem := New(NewChromaIndex(srv.URL, "messages", 5*time.Second, log), log)
	ctx := context.Background()

	msgs := []models.Message{
		{ID: 5, ChatID: 1, UserID: 2, Text: "hi"},
		{ID: 6, ChatID: 1, UserID: 2, Text: "yo"},
	}
	require.NoError(t, mem.AddText(ctx, msgs, [][]float32{{1, 0}, {0, 1}}))
	require.NoError(t, mem.AddImages(ctx, []models.Message{{ID: 7, ChatID: 1, UserID: 3}}, [][]float32{{1, 1}}))

	// Re-indexing replaces in place
	require.NoError(t, mem.AddText(ctx, msgs[:1], [][]float32{{1, 0}}))
	assert.Len(t, fake.items, 3)
	assert.Equal(t, 1, fake.creates)
	assert.Equal(t, "cosine", fake.collections[0].Metadata["hnsw:space"])

	img := fake.items[VectorID(7, KindImage)]
	assert.Equal(t, "<image>", img.Documents[0])
	assert.Equal(t, "image", img.Metadatas[0]["type"])

	hits, err := mem.Search(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.lastQueryK)
	require.Len(t, hits, 2)
	assert.Equal(t, SearchHit{MessageID: 5, Kind: KindText, Score: 1}, hits[0])
	assert.Equal(t, uint(6), hits[1].MessageID)
	assert.InDelta(t, 0.75, hits[1].Score, 1e-9)
}

func TestMemoryClampsScores(t *testing.T) {
	fake := &fakeChroma{items: map[string]upsertRequest{}, step: 0.9}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	log := zaptest.NewLogger(t)
	mem := New(NewChromaIndex(srv.URL, "messages", 5*time.Second, log), log)
	ctx := context.Background()

	msgs := []models.Message{{ID: 1, Text: "a"}, {ID: 2, Text: "b"}, {ID: 3, Text: "c"}}
	require.NoError(t, mem.AddText(ctx, msgs, [][]float32{{1, 0}, {0, 1}, {-1, 0}}))

	hits, err := mem.Search(ctx, []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, 1.0, hits[0].Score)
	assert.InDelta(t, 0.1, hits[1].Score, 1e-9)
	assert.Equal(t, 0.0, hits[2].Score)
}

func TestScoreFromDistance(t *testing.T) {
	assert.Equal(t, 1.0, scoreFromDistance(0))
	assert.Equal(t, 1.0, scoreFromDistance(-0.01))
	assert.InDelta(t, 0.5, scoreFromDistance(0.5), 1e-9)
	assert.Equal(t, 0.0, scoreFromDistance(1.7))
}

func TestMemorySkipsMissingVectors(t *testing.T) {
	fake := &fakeChroma{items: map[string]upsertRequest{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	log := zaptest.NewLogger(t)
	mem := New(NewChromaIndex(srv.URL, "messages", 5*time.Second, log), log)

	err := mem.AddImages(context.Background(), []models.Message{{ID: 1}, {ID: 2}}, [][]float32{nil, {1}})
	require.NoError(t, err)
	assert.Len(t, fake.items, 1)

	err = mem.AddText(context.Background(), []models.Message{{ID: 1}}, nil)
	require.Error(t, err)
}

func TestVectorIDIsStable(t *testing.T) {
	assert.Equal(t, VectorID(42, KindText), VectorID(42, KindText))
	assert.NotEqual(t, VectorID(42, KindText), VectorID(42, KindImage))
}
