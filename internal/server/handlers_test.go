package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/app"
	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/embedding"
	"github.com/hyperjump/kao/internal/models"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Roots() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddRoot(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveRoot(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testEnv struct {
	srv     *Server
	app     *app.App
	mock    *embedding.MockExtractor
	handler http.Handler
}

func newTestEnv(t *testing.T, watch WatchService) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.Path = filepath.Join(dir, "vectors.db")
	cfg.Embedding.Dimensions = 4
	config.ApplyDefaults(cfg)

	mock := embedding.NewMockExtractor(4)
	mock.Register([]byte("alice-img"), [][]float32{{1, 0, 0, 0}})
	mock.Register([]byte("bob-img"), [][]float32{{0, 1, 0, 0}})
	mock.Register([]byte("carol-img"), [][]float32{{0, 0, 0, 1}})
	mock.Register([]byte("stranger"), [][]float32{{0, 0, 1, 0}})
	mock.Register([]byte("group"), [][]float32{{1, 0, 0, 0}, {0, 0, 1, 0}})
	mock.Register([]byte("blank"), [][]float32{})

	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithExtractor(mock))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	srv := NewServer(a, zap.NewNop(), watch, "")
	return &testEnv{srv: srv, app: a, mock: mock, handler: srv.Router()}
}

func (e *testEnv) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func (e *testEnv) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return e.do(t, r)
}

// multipartRequest builds a form upload; files maps form field to (filename, content) pairs.
func multipartRequest(t *testing.T, path, field string, files [][2]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		fw, err := mw.CreateFormFile(field, f[0])
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(f[1])); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, path, &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

type ingestBody struct {
	Message   string                `json:"message"`
	Succeeded int                   `json:"succeeded"`
	Failed    []*models.ItemFailure `json:"failed"`
	Empty     []string              `json:"empty"`
	RecordIDs []string              `json:"record_ids"`
}

func (e *testEnv) enroll(t *testing.T) {
	t.Helper()
	w := e.do(t, multipartRequest(t, "/api/v1/references", "files", [][2]string{
		{"alice1.jpg", "alice-img"},
		{"bob.png", "bob-img"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("enroll: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	e := newTestEnv(t, nil)
	get := func(h http.Handler, origin string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("Origin", origin)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}
	if got := get(e.handler, "http://app.example").Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("CORS header without cors_origins: %q", got)
	}

	e.app.Config.Server.CORSOrigins = []string{"http://app.example"}
	h := e.srv.Router()

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/identify", nil)
	r.Header.Set("Origin", "http://app.example")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code >= 300 {
		t.Errorf("preflight status: got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example" {
		t.Errorf("preflight allow origin: got %q", got)
	}

	if got := get(h, "http://app.example").Header().Get("Access-Control-Allow-Origin"); got != "http://app.example" {
		t.Errorf("allowed origin: got %q", got)
	}
	if got := get(h, "http://other.example").Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}
}

func TestHandleUploadReferences(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, multipartRequest(t, "/api/v1/references", "files", [][2]string{
		{"alice1.jpg", "alice-img"},
		{"123.png", "alice-img"},
		{"bob.png", "bob-img"},
		{"empty.jpg", "blank"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out ingestBody
	decode(t, w, &out)
	if out.Succeeded != 2 || len(out.RecordIDs) != 2 {
		t.Errorf("succeeded: got %d (%v)", out.Succeeded, out.RecordIDs)
	}
	if len(out.Failed) != 1 || out.Failed[0].SourceName != "123.png" || out.Failed[0].Reason != "ValidationError" {
		t.Errorf("failed: got %+v", out.Failed)
	}
	if len(out.Empty) != 1 || out.Empty[0] != "empty.jpg" {
		t.Errorf("empty: got %v", out.Empty)
	}
	if out.Message != "Added 2 embeddings" {
		t.Errorf("message: got %q", out.Message)
	}
	if e.app.Index.Size() != 2 {
		t.Errorf("index size: got %d", e.app.Index.Size())
	}
}

func TestHandleUploadReferences_NoFiles(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.do(t, multipartRequest(t, "/api/v1/references", "other", [][2]string{{"a.jpg", "x"}}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleUploadReferences_ExtractionFailure(t *testing.T) {
	e := newTestEnv(t, nil)
	e.mock.SetError(errors.New("model offline"))
	w := e.do(t, multipartRequest(t, "/api/v1/references", "files", [][2]string{{"alice.jpg", "alice-img"}}))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	if e.app.Index.Size() != 0 {
		t.Errorf("index size: got %d", e.app.Index.Size())
	}
}

func TestHandleIdentifyImage(t *testing.T) {
	e := newTestEnv(t, nil)
	e.enroll(t)

	w := e.do(t, multipartRequest(t, "/api/v1/identify", "file", [][2]string{{"query.jpg", "group"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out models.IdentifyResponse
	decode(t, w, &out)
	if out.Source != "query.jpg" || out.Threshold != config.DefaultThreshold {
		t.Errorf("response: got %+v", out)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results: got %d", len(out.Results))
	}
	if out.Results[0].DecidedLabel != "alice" || out.Results[0].Similarity < 0.999 {
		t.Errorf("first face: got %+v", out.Results[0])
	}
	if out.Results[1].DecidedLabel != models.UnknownLabel {
		t.Errorf("second face: got %+v", out.Results[1])
	}
}

func TestHandleIdentifyImage_Params(t *testing.T) {
	e := newTestEnv(t, nil)
	e.enroll(t)

	w := e.do(t, multipartRequest(t, "/api/v1/identify?top_k=2&threshold=0.9", "file", [][2]string{{"q.jpg", "bob-img"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out models.IdentifyResponse
	decode(t, w, &out)
	if out.Threshold != 0.9 || len(out.Results) != 1 {
		t.Fatalf("response: got %+v", out)
	}
	r := out.Results[0]
	if r.DecidedLabel != "bob" || len(r.Candidates) != 2 || r.Candidates[0].Rank != 1 {
		t.Errorf("result: got %+v", r)
	}

	for _, q := range []string{"threshold=2", "threshold=abc", "top_k=-1"} {
		w := e.do(t, multipartRequest(t, "/api/v1/identify?"+q, "file", [][2]string{{"q.jpg", "bob-img"}}))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d", q, w.Code)
		}
	}
}

func TestHandleIdentifyImage_Errors(t *testing.T) {
	e := newTestEnv(t, nil)

	w := e.do(t, multipartRequest(t, "/api/v1/identify", "files", [][2]string{{"q.jpg", "x"}}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing file: got %d", w.Code)
	}

	w = e.do(t, multipartRequest(t, "/api/v1/identify", "file", [][2]string{{"q.jpg", "stranger"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("empty index: got %d", w.Code)
	}
	var out models.IdentifyResponse
	decode(t, w, &out)
	if len(out.Results) != 1 || out.Results[0].Similarity != models.NoMatchSimilarity {
		t.Errorf("empty index: got %+v", out.Results)
	}

	e.mock.SetError(errors.New("decoder crashed"))
	w = e.do(t, multipartRequest(t, "/api/v1/identify", "file", [][2]string{{"q.jpg", "stranger"}}))
	if w.Code != http.StatusBadGateway {
		t.Errorf("extraction failure: got %d", w.Code)
	}
	var eb errorResponse
	decode(t, w, &eb)
	if eb.Reason != "EmbeddingExtractionFailed" {
		t.Errorf("reason: got %q", eb.Reason)
	}
}

func TestHandleVectors(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.postJSON(t, "/api/v1/vectors", vectorsRequest{Items: []*models.IngestItem{
		{SourceName: "alice.png", Vectors: [][]float32{{1, 0, 0}}},
		{SourceName: "bob.png", Vectors: [][]float32{{0, 1, 0}}},
		{SourceName: "zero.png", Vectors: [][]float32{{0, 0, 0}}},
		{SourceName: "short.png", Vectors: [][]float32{{1, 0}}},
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out ingestBody
	decode(t, w, &out)
	if out.Succeeded != 2 || len(out.Failed) != 2 {
		t.Fatalf("report: got %+v", out)
	}
	if out.Failed[0].Reason != "DegenerateVector" || out.Failed[1].Reason != "DimensionMismatch" {
		t.Errorf("reasons: got %s, %s", out.Failed[0].Reason, out.Failed[1].Reason)
	}

	w = e.postJSON(t, "/api/v1/identify/vectors", map[string]interface{}{
		"vectors": [][]float32{{1, 0, 0}, {0, 0, 1}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("identify: got %d, body: %s", w.Code, w.Body.String())
	}
	var id models.IdentifyResponse
	decode(t, w, &id)
	if len(id.Results) != 2 || id.Results[0].DecidedLabel != "alice" || id.Results[1].DecidedLabel != models.UnknownLabel {
		t.Errorf("identify: got %+v", id.Results)
	}

	w = e.postJSON(t, "/api/v1/identify/vectors", map[string]interface{}{
		"vectors": [][]float32{{1, 0}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("dimension mismatch: got %d", w.Code)
	}

	w = e.postJSON(t, "/api/v1/vectors", vectorsRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("no items: got %d", w.Code)
	}
}

func TestHandleQuery(t *testing.T) {
	e := newTestEnv(t, nil)
	e.enroll(t)

	w := e.postJSON(t, "/api/v1/query", queryRequest{Vector: []float32{0.9, 0.1, 0, 0}})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out queryResponse
	decode(t, w, &out)
	if len(out.Candidates) != 2 || out.Candidates[0].Label != "alice" || out.Candidates[1].Label != "bob" {
		t.Errorf("candidates: got %+v", out.Candidates)
	}

	w = e.postJSON(t, "/api/v1/query", queryRequest{Vector: []float32{0, 0, 0, 0}, K: 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("degenerate: got %d", w.Code)
	}
}

func TestHandleRecords(t *testing.T) {
	e := newTestEnv(t, nil)
	e.enroll(t)
	recs := e.app.Index.Records()
	id := recs[0].ID

	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/records/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get: got %d", w.Code)
	}
	var rec models.VectorRecord
	decode(t, w, &rec)
	if rec.ID != id || rec.Label != "alice" {
		t.Errorf("get: got %+v", rec)
	}

	w = e.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/records/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete: got %d", w.Code)
	}
	if e.app.Index.Size() != 1 {
		t.Errorf("index size after delete: got %d", e.app.Index.Size())
	}

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w = e.do(t, httptest.NewRequest(method, "/api/v1/records/"+id, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s missing: got %d", method, w.Code)
		}
	}
}

func TestHandleLabels(t *testing.T) {
	e := newTestEnv(t, nil)
	e.enroll(t)

	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/labels", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("labels: got %d", w.Code)
	}
	var out struct {
		Labels []*models.LabelCount `json:"labels"`
	}
	decode(t, w, &out)
	if len(out.Labels) != 2 {
		t.Errorf("labels: got %+v", out.Labels)
	}

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/labels/search?q=alise", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("search: got %d, body: %s", w.Code, w.Body.String())
	}
	var hits struct {
		Labels []struct {
			Label string `json:"label"`
		} `json:"labels"`
	}
	decode(t, w, &hits)
	if len(hits.Labels) == 0 || hits.Labels[0].Label != "alice" {
		t.Errorf("search: got %+v", hits.Labels)
	}

	w = e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/labels/search", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query: got %d", w.Code)
	}
}

func TestHandleLoad(t *testing.T) {
	e := newTestEnv(t, nil)
	dir := t.TempDir()
	for name, content := range map[string]string{
		"carol_1.jpg": "carol-img",
		"bob.png":     "bob-img",
		"readme.txt":  "ignored",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	w := e.postJSON(t, "/api/v1/load", loadRequest{Path: dir})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out ingestBody
	decode(t, w, &out)
	if out.Succeeded != 2 || len(out.Failed) != 0 {
		t.Errorf("report: got %+v", out)
	}

	w = e.postJSON(t, "/api/v1/load", loadRequest{Path: filepath.Join(dir, "missing")})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing dir: got %d", w.Code)
	}

	// No body and no configured source.
	w = e.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/load", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("no source: got %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	e := newTestEnv(t, nil)
	e.enroll(t)
	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out models.StatusResponse
	decode(t, w, &out)
	if out.Records != 2 || out.IndexSize != 2 || out.Dimensions != 4 || out.Labels != 2 {
		t.Errorf("status: got %+v", out)
	}
	if out.IndexType != "linear" || out.Extractor != "mock" {
		t.Errorf("status: got %+v", out)
	}
}

func TestHandleWatchDirectoriesList(t *testing.T) {
	mock := &mockWatchService{dirs: []string{"/tmp/faces"}}
	e := newTestEnv(t, mock)

	w := e.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/watch/directories", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	decode(t, w, &out)
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/faces" {
		t.Errorf("directories: got %v", out.Directories)
	}
}

func TestHandleWatchDirectories_NotEnabled(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		w := e.do(t, httptest.NewRequest(method, "/api/v1/watch/directories", nil))
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s: got %d, want 501", method, w.Code)
		}
	}
}

func TestHandleWatchDirectoriesAddRemove(t *testing.T) {
	mock := &mockWatchService{}
	e := newTestEnv(t, mock)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	e.srv.configPath = cfgPath
	dir := t.TempDir()

	w := e.postJSON(t, "/api/v1/watch/directories", map[string]string{"path": dir})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.Roots()) != 1 {
		t.Errorf("expected 1 directory, got %v", mock.Roots())
	}
	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Watch.Directories) != 1 || saved.Watch.Directories[0] != dir {
		t.Errorf("persisted: got %v", saved.Watch.Directories)
	}

	w = e.postJSON(t, "/api/v1/watch/directories", map[string]string{"path": dir + "/nonexistent"})
	if w.Code != http.StatusNotFound {
		t.Errorf("invalid path: got %d", w.Code)
	}

	w = e.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil))
	if w.Code != http.StatusOK {
		t.Errorf("remove: got %d", w.Code)
	}
	if len(mock.Roots()) != 0 {
		t.Errorf("expected 0 directories, got %v", mock.Roots())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.Validationf("bad"), http.StatusBadRequest},
		{models.NewDimensionMismatch(3, 2), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", models.ErrDegenerateVector), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{models.ErrEmbeddingExtractionFailed, http.StatusBadGateway},
		{models.ErrStoreUnavailable, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
