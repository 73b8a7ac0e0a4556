package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"privaterag/app/agent"
	"privaterag/config"
	"privaterag/loader/service"
	"privaterag/model"
	"privaterag/store"
	"privaterag/types"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct{ answer string }

func (f fakeLLM) Name() string { return "fake" }

func (f fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	return f.answer, nil
}

func wordCount(s string) int { return len(strings.Fields(s)) }

type testServer struct {
	app *fiber.App
	cfg config.Config
}

func newTestServer(t *testing.T, llm model.LLM, modelType string) *testServer {
	t.Helper()
	root := t.TempDir()

	cfg := config.Defaults()
	cfg.Ingest.SourceDirectory = filepath.Join(root, "source_documents")
	cfg.Ingest.ArchiveDirectory = filepath.Join(root, "archive")
	cfg.Ingest.BadDirectory = filepath.Join(root, "bad")
	cfg.Ingest.Projects = []string{"general"}
	cfg.Store.PersistDirectory = filepath.Join(root, "db")
	cfg.Model.Type = modelType

	storer, err := store.NewLocalStore(cfg.Store.PersistDirectory, nil)
	require.NoError(t, err)
	t.Cleanup(func() { storer.Close() })

	embedder := model.NewHashingEmbedder(256)
	ingester, err := service.New(cfg.Ingest, embedder, storer, nil)
	require.NoError(t, err)
	require.NoError(t, ingester.Staging().EnsureDirs())

	var a *agent.Agent
	if llm != nil {
		a = agent.New(llm, cfg.Model, nil, agent.WithTokenCounter(wordCount))
	} else {
		a = agent.NewFromConfig(cfg.Model, nil, agent.WithTokenCounter(wordCount))
	}

	app := NewApp(cfg, Deps{
		Ingester:  ingester,
		Retriever: agent.NewRetriever(embedder, storer, a, 4, nil),
		Store:     storer,
	}, nil)
	return &testServer{app: app, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp, body
}

func embedRequest(t *testing.T, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/embed", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, path string, v any) *http.Request {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestRoot(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)

	resp, body := ts.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello, the APIs are now ready for your embeds and queries!", body["message"])

	resp, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/check/healthy", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["result"])
}

func TestEmbed_SkipsUnsupportedFiles(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)

	req := embedRequest(t,
		map[string]string{"project_name": "general", "collection_name": "notes"},
		map[string]string{"a.txt": "Some plain text worth keeping.", "b.xyz": "binary junk"},
	)
	resp, body := ts.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	saved, ok := body["saved_files"].([]any)
	require.True(t, ok)
	require.Len(t, saved, 2)
	var names []string
	for _, p := range saved {
		rel := p.(string)
		assert.True(t, strings.HasPrefix(rel, "general/"), rel)
		names = append(names, path.Base(rel))
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.xyz"}, names)
	assert.Equal(t, "notes", body["collection"])
	assert.EqualValues(t, 1, body["documents_loaded"])
	assert.EqualValues(t, 1, body["chunks_created"])
	failed, ok := body["failed"].([]any)
	require.True(t, ok)
	require.Len(t, failed, 1)
	assert.Equal(t, "b.xyz", failed[0].(map[string]any)["file"])
	assert.Contains(t, failed[0].(map[string]any)["error"], "unsupported")

	entries, err := os.ReadDir(filepath.Join(ts.cfg.Ingest.SourceDirectory, "general"))
	require.NoError(t, err)
	assert.Empty(t, entries, "staged batch must be removed")
}

func TestEmbed_DefaultCollectionFromFirstFile(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)

	req := embedRequest(t,
		map[string]string{"project_name": "general"},
		map[string]string{"Quarterly Report.md": "# Results\n\nRevenue grew."},
	)
	resp, body := ts.do(t, req)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "Quarterly_Report", body["collection"])
}

func TestEmbed_AllFilesFailed(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)

	req := embedRequest(t,
		map[string]string{"project_name": "general", "collection_name": "junk"},
		map[string]string{"b.xyz": "binary junk"},
	)
	resp, body := ts.do(t, req)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "unsupported")
	assert.Len(t, body["failed"], 1)

	resp, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/collections", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body["collections"], "junk")
}

func TestEmbed_RejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)

	t.Run("unknown project", func(t *testing.T) {
		req := embedRequest(t,
			map[string]string{"project_name": "nope", "collection_name": "c"},
			map[string]string{"a.txt": "text"},
		)
		resp, body := ts.do(t, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.EqualValues(t, http.StatusBadRequest, body["code"])
		assert.Contains(t, body["error"], "unknown project")
	})

	t.Run("missing project", func(t *testing.T) {
		req := embedRequest(t, map[string]string{"collection_name": "c"}, map[string]string{"a.txt": "text"})
		resp, body := ts.do(t, req)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, body["errors"], "project_name")
	})

	t.Run("invalid collection", func(t *testing.T) {
		req := embedRequest(t,
			map[string]string{"project_name": "general", "collection_name": "../x"},
			map[string]string{"a.txt": "text"},
		)
		resp, body := ts.do(t, req)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Contains(t, body["errors"], "collection_name")
	})

	t.Run("no files", func(t *testing.T) {
		req := embedRequest(t, map[string]string{"project_name": "general"}, nil)
		resp, body := ts.do(t, req)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "no files uploaded", body["error"])
	})
}

func TestRetrieve_UnknownCollection(t *testing.T) {
	ts := newTestServer(t, fakeLLM{answer: "x"}, model.TypeOllama)

	resp, body := ts.do(t, jsonRequest(t, "/retrieve", map[string]string{"query": "q", "collection_name": "missing"}))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, http.StatusNotFound, body["code"])
	assert.Contains(t, body["error"], types.ErrCollectionNotFound.Error())
}

func TestRetrieve_AfterEmbed(t *testing.T) {
	ts := newTestServer(t, fakeLLM{answer: "Paris."}, model.TypeOllama)

	resp, body := ts.do(t, embedRequest(t,
		map[string]string{"project_name": "general", "collection_name": "geo"},
		map[string]string{
			"france.txt":  "paris capital france landmarks",
			"bananas.txt": "bananas yellow tropical fruit",
		},
	))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	t.Run("json body", func(t *testing.T) {
		resp, body := ts.do(t, jsonRequest(t, "/retrieve", map[string]any{"query": "capital of france", "collection_name": "geo", "k": 1}))
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.Equal(t, "Paris.", body["results"])

		docs, ok := body["docs"].([]any)
		require.True(t, ok)
		require.Len(t, docs, 1)
		doc := docs[0].(map[string]any)
		assert.Equal(t, "paris capital france landmarks", doc["text"])
		meta := doc["metadata"].(map[string]any)
		assert.Equal(t, "france.txt", filepath.Base(meta["source"].(string)))
	})

	t.Run("query string", func(t *testing.T) {
		q := url.Values{"query": {"capital of france"}, "collection_name": {"geo"}}
		resp, body := ts.do(t, httptest.NewRequest(http.MethodPost, "/retrieve?"+q.Encode(), nil))
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.Len(t, body["docs"], 2)
	})

	t.Run("form body", func(t *testing.T) {
		form := url.Values{"query": {"bananas"}, "collection_name": {"geo"}, "k": {"1"}}
		req := httptest.NewRequest(http.MethodPost, "/retrieve", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, body := ts.do(t, req)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		docs := body["docs"].([]any)
		require.Len(t, docs, 1)
		assert.Equal(t, "bananas yellow tropical fruit", docs[0].(map[string]any)["text"])
	})

	t.Run("form body with collection in the url", func(t *testing.T) {
		form := url.Values{"query": {"bananas"}, "k": {"1"}}
		req := httptest.NewRequest(http.MethodPost, "/retrieve?collection_name=geo", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, body := ts.do(t, req)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		docs := body["docs"].([]any)
		require.Len(t, docs, 1)
		assert.Equal(t, "bananas yellow tropical fruit", docs[0].(map[string]any)["text"])
	})

	resp, body = ts.do(t, httptest.NewRequest(http.MethodGet, "/collections", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["collections"], "geo")
}

func TestRetrieve_Validation(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)

	resp, body := ts.do(t, jsonRequest(t, "/retrieve", map[string]string{"collection_name": "geo"}))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["errors"], "query")
}

func TestRetrieve_UnsupportedModel(t *testing.T) {
	ts := newTestServer(t, nil, "NotARealBackend")

	resp, body := ts.do(t, jsonRequest(t, "/retrieve", map[string]string{"query": "q", "collection_name": "anything"}))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["error"], types.ErrModelUnavailable.Error())
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, fakeLLM{}, model.TypeOllama)
	ts.do(t, httptest.NewRequest(http.MethodGet, "/", nil))

	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "privaterag_requests_total")
}
