package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/config"
	"github.com/hyperjump/kao/internal/ingest"
	"github.com/hyperjump/kao/internal/models"
	"github.com/hyperjump/kao/internal/source"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// ingestResponse is the body of every ingestion endpoint.
type ingestResponse struct {
	Message string `json:"message"`
	*models.IngestReport
}

type vectorsRequest struct {
	Items []*models.IngestItem `json:"items"`
}

type identifyVectorsRequest struct {
	Vectors   [][]float32 `json:"vectors"`
	Threshold *float64    `json:"threshold,omitempty"`
	TopK      *int        `json:"top_k,omitempty"`
}

type queryRequest struct {
	Vector []float32 `json:"vector"`
	K      int       `json:"k"`
}

type queryResponse struct {
	Candidates []*models.Candidate `json:"candidates"`
}

type loadRequest struct {
	// Path loads a local directory instead of the configured source.
	Path string `json:"path,omitempty"`
}

const defaultQueryK = 10

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.app.Status(r.Context())
	if err != nil {
		s.respondFailure(w, "status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	limit := s.config.MaxUploadMB << 20
	if limit <= 0 {
		limit = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return false
	}
	return true
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleUploadReferences enrolls every image in the "files" form field under the
// label derived from its filename.
func (s *Server) handleUploadReferences(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.respondError(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	images := make([]*ingest.Image, 0, len(files))
	for _, fh := range files {
		data, err := readUpload(fh)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "read "+fh.Filename+": "+err.Error())
			return
		}
		images = append(images, &ingest.Image{Name: fh.Filename, Data: data})
	}
	s.logger.Debug("upload references request", zap.Int("files", len(images)))
	report, err := s.app.Pipeline.IngestImages(r.Context(), images)
	if err != nil {
		s.respondFailure(w, "upload references", err)
		return
	}
	s.respondIngest(w, report)
}

func (s *Server) handleIngestVectors(w http.ResponseWriter, r *http.Request) {
	var req vectorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		s.respondError(w, http.StatusBadRequest, "items are required")
		return
	}
	report, err := s.app.Pipeline.IngestBatch(r.Context(), req.Items)
	if err != nil {
		s.respondFailure(w, "ingest vectors", err)
		return
	}
	s.respondIngest(w, report)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var src source.Source
	if req.Path != "" {
		abs, err := filepath.Abs(req.Path)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid path")
			return
		}
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				s.respondError(w, http.StatusNotFound, "directory not found")
				return
			}
			s.respondFailure(w, "load", err)
			return
		}
		if !info.IsDir() {
			s.respondError(w, http.StatusBadRequest, "path is not a directory")
			return
		}
		src = source.NewDirSource(abs, true)
	}
	report, err := s.app.Load(r.Context(), src)
	if err != nil {
		s.respondFailure(w, "load", err)
		return
	}
	s.respondIngest(w, report)
}

func (s *Server) respondIngest(w http.ResponseWriter, report *models.IngestReport) {
	s.respondJSON(w, http.StatusOK, ingestResponse{
		Message:      "Added " + strconv.Itoa(report.Succeeded) + " embeddings",
		IngestReport: report,
	})
}

// handleIdentifyImage identifies every face in the "file" form field.
func (s *Server) handleIdentifyImage(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	file, fh, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "no image uploaded")
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	threshold, topK, err := s.identifyParams(r.FormValue("threshold"), r.FormValue("top_k"))
	if err != nil {
		s.respondFailure(w, "identify", err)
		return
	}
	resp, err := s.app.Identify.IdentifyImage(r.Context(), fh.Filename, data, threshold, topK)
	if err != nil {
		s.respondFailure(w, "identify", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) identifyParams(thresholdStr, topKStr string) (float64, int, error) {
	var override *float64
	if thresholdStr != "" {
		t, err := strconv.ParseFloat(thresholdStr, 64)
		if err != nil {
			return 0, 0, models.Validationf("threshold must be a number, got %q", thresholdStr)
		}
		override = &t
	}
	threshold, err := s.app.Identify.Threshold(override)
	if err != nil {
		return 0, 0, err
	}
	topK := -1
	if topKStr != "" {
		k, err := strconv.Atoi(topKStr)
		if err != nil || k < 0 {
			return 0, 0, models.Validationf("top_k must be a non-negative integer, got %q", topKStr)
		}
		topK = k
	}
	return threshold, s.app.Identify.TopK(topK), nil
}

func (s *Server) handleIdentifyVectors(w http.ResponseWriter, r *http.Request) {
	var req identifyVectorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	threshold, err := s.app.Identify.Threshold(req.Threshold)
	if err != nil {
		s.respondFailure(w, "identify vectors", err)
		return
	}
	topK := -1
	if req.TopK != nil {
		if *req.TopK < 0 {
			s.respondError(w, http.StatusBadRequest, "top_k must be non-negative")
			return
		}
		topK = *req.TopK
	}
	results, err := s.app.Identify.IdentifyTopK(r.Context(), req.Vectors, threshold, s.app.Identify.TopK(topK))
	if err != nil {
		s.respondFailure(w, "identify vectors", err)
		return
	}
	s.respondJSON(w, http.StatusOK, &models.IdentifyResponse{Threshold: threshold, Results: results})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.K == 0 {
		req.K = defaultQueryK
	}
	candidates, err := s.app.Identify.Query(r.Context(), req.Vector, req.K)
	if err != nil {
		s.respondFailure(w, "query", err)
		return
	}
	s.respondJSON(w, http.StatusOK, queryResponse{Candidates: candidates})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.app.Store.Get(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "get record", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete record request", zap.String("id", id))
	rec, err := s.app.Pipeline.Remove(r.Context(), id)
	if err != nil {
		s.respondFailure(w, "delete record", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": rec.ID, "label": rec.Label, "status": "deleted"})
}

func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.app.Store.Labels(r.Context())
	if err != nil {
		s.respondFailure(w, "labels", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"labels": labels})
}

func (s *Server) handleLabelSearch(w http.ResponseWriter, r *http.Request) {
	if s.app.Catalog == nil {
		s.respondError(w, http.StatusNotImplemented, "label catalog not enabled")
		return
	}
	q := r.URL.Query().Get("q")
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	hits, err := s.app.Catalog.Search(r.Context(), q, limit)
	if err != nil {
		s.respondFailure(w, "label search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"query": q, "labels": hits})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Roots()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddRoot(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveRoot(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.app.Config.Watch.Directories = s.watch.Roots()
	if err := config.Save(s.configPath, s.app.Config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrDimensionMismatch),
		errors.Is(err, models.ErrDegenerateVector):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrEmbeddingExtractionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFailure(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	s.respondJSON(w, status, errorResponse{Error: err.Error(), Reason: models.Reason(err)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}
