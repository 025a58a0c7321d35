package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/desh0cc/psychopass/internal/config"
	"github.com/desh0cc/psychopass/internal/parser"
	"github.com/desh0cc/psychopass/internal/services"
	"github.com/desh0cc/psychopass/internal/testutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type passthroughCache struct{}

func (passthroughCache) Cache(_ context.Context, locator string) (string, bool) {
	return locator, true
}

func (passthroughCache) CacheBatch(_ context.Context, locators []string) []string {
	return append([]string(nil), locators...)
}

// fakeExport returns the same two-message conversation for any path
func fakeExport(string) ([]parser.Message, []parser.Chat, error) {
	chat := &parser.Chat{OriginID: "1", Name: "pair", Type: "private"}
	return []parser.Message{
		{AuthorID: "a", AuthorName: "Alice", Text: "hi there", PlatformID: "1", Timestamp: "2024-03-01T10:00:00", Chat: chat},
		{AuthorID: "b", AuthorName: "Bob", Text: "hello", PlatformID: "2", ReplyTo: "1", Timestamp: "2024-03-01T10:01:00", Chat: chat},
	}, []parser.Chat{*chat}, nil
}

type testServer struct {
	router  *gin.Engine
	handler *Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := zaptest.NewLogger(t)
	db := testutil.OpenTestDB(t)
	root := t.TempDir()
	cfg := &config.Config{
		Upload: config.UploadConfig{MaxFileSize: 1 << 20, MaxExtractionSize: 1 << 20, MaxExtractedFiles: 100},
		Directories: config.DirectoriesConfig{
			UploadsDir:   filepath.Join(root, "uploads"),
			ExtractedDir: filepath.Join(root, "extracted"),
		},
		RateLimit:  config.RateLimitConfig{RequestsPerMinute: 60000, BurstSize: 1000},
		Enrichment: config.EnrichmentConfig{BatchSize: 4, Workers: 1},
	}

	parsers := parser.NewRegistry(log)
	parsers.Register("fake", parser.ParserFunc(fakeExport))

	cache := passthroughCache{}
	identity := services.NewIdentityService(db, cache, log)
	chats := services.NewChatService(db, cache, log)
	messages := services.NewMessageService(db, log)
	stats := services.NewStatsService(db, log)

	svc := Services{
		Identity: identity,
		Chats:    chats,
		Messages: messages,
		Stats:    stats,
		Search:   services.NewSearchService(messages, nil, nil, log),
		Ingest: services.NewIngestService(db, services.IngestDeps{
			Identity: identity,
			Chats:    chats,
			Stats:    stats,
			Cache:    cache,
			Parsers:  parsers,
		}, cfg.Enrichment, log),
		Archives: services.NewArchiveService(cfg, log),
		Parsers:  parsers,
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler := NewHandler(ctx, db, svc, log)
	t.Cleanup(func() {
		cancel()
		handler.Wait()
	})

	router := gin.New()
	SetupMiddleware(router, cfg, log)
	SetupRoutes(router, handler)
	return &testServer{router: router, handler: handler}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	return s.serve(t, req)
}

func (s *testServer) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func (s *testServer) waitForJob(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		w, body := s.do(t, http.MethodGet, "/api/v1/ingest/jobs/"+id, nil)
		require.Equal(t, http.StatusOK, w.Code)
		job := body["job"].(map[string]any)
		if status := job["status"]; status == JobCompleted || status == JobFailed {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s still %v", id, job["status"])
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = s.do(t, http.MethodGet, "/api/v1/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/profiles/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "NOT_FOUND", errBody["code"])
	assert.Equal(t, w.Header().Get("X-Request-ID"), body["request_id"])

	w, body = s.do(t, http.MethodGet, "/api/v1/profiles/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ID", body["error"].(map[string]any)["code"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/messages/search?q=x&engine=vector", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, http.MethodPost, "/api/v1/ingest/path", gin.H{"platform": "myspace", "path": t.TempDir()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_PLATFORM", body["error"].(map[string]any)["code"])
}

func TestIngestPathThenMerge(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/v1/ingest/path", gin.H{"platform": "fake", "path": t.TempDir()})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := body["job"].(map[string]any)["id"].(string)

	job := s.waitForJob(t, id)
	require.Equal(t, JobCompleted, job["status"], job)
	report := job["report"].(map[string]any)
	assert.Equal(t, float64(2), report["inserted"])

	_, body = s.do(t, http.MethodGet, "/api/v1/profiles", nil)
	profiles := body["profiles"].([]any)
	require.Len(t, profiles, 2)
	first := profiles[0].(map[string]any)["id"].(float64)
	second := profiles[1].(map[string]any)["id"].(float64)

	w, body = s.do(t, http.MethodPost, "/api/v1/profiles/1/merge", gin.H{"secondary_ids": []float64{second}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), body["merged"])
	assert.Equal(t, float64(1), first)

	_, body = s.do(t, http.MethodGet, "/api/v1/profiles/1/messages", nil)
	assert.Len(t, body["messages"].([]any), 2)

	_, body = s.do(t, http.MethodGet, "/api/v1/messages/search?q=hello", nil)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	reply := msgs[0].(map[string]any)["reply"].(map[string]any)
	assert.Equal(t, "hi there", reply["text"])

	_, body = s.do(t, http.MethodGet, "/api/v1/stats", nil)
	stats := body["stats"].(map[string]any)
	assert.Equal(t, float64(2), stats["messages"])
	assert.Equal(t, float64(1), stats["uploads"])
}

func TestUploadExport(t *testing.T) {
	s := newTestServer(t)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	f, err := zw.Create("result.json")
	require.NoError(t, err)
	_, err = f.Write([]byte("{}"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	require.NoError(t, mw.WriteField("platform", "fake"))
	part, err := mw.CreateFormFile("file", "export.zip")
	require.NoError(t, err)
	_, err = part.Write(archive.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/upload", &form)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w, body := s.serve(t, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	id := body["job"].(map[string]any)["id"].(string)
	job := s.waitForJob(t, id)
	assert.Equal(t, JobCompleted, job["status"], job)

	_, body = s.do(t, http.MethodGet, "/api/v1/chats", nil)
	assert.Len(t, body["chats"].([]any), 1)
}
