package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/instrument"
	"github.com/example/sheet2audio/api-go/internal/model"
	"github.com/example/sheet2audio/api-go/internal/progress"
)

// JobStore is the job persistence the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error)
	CancelQueued(ctx context.Context, id string) (bool, error)
}

// Canceller stops a running job.
type Canceller interface {
	Cancel(jobID string) error
}

type Server struct {
	Blobs     blob.LocalFS
	Jobs      JobStore
	Progress  progress.Reporter
	Canceller Canceller
	Catalog   *instrument.Catalog
	BaseURL   string // optional, for generating absolute result URLs
	// MaxUploadBytes caps the multipart body; 0 means 20 MiB.
	MaxUploadBytes int64
	// Diagnostics reports the external tool checks; optional.
	Diagnostics func() model.DiagnosticReport
	Logger      *slog.Logger
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/instruments", s.handleInstruments)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/progress", s.handleGetProgress)
		r.Get("/jobs/{id}/result", s.handleGetResult)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/jobs/{id}/artifacts/*", s.handleGetArtifact)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s Server) catalog() *instrument.Catalog {
	if s.Catalog == nil {
		return instrument.NewCatalog()
	}
	return s.Catalog
}

func (s Server) handleInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":     instrument.DefaultName,
		"instruments": s.catalog().Names(),
	})
}

func (s Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	if s.Diagnostics == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("diagnostics are not configured"))
		return
	}
	report := s.Diagnostics()
	code := http.StatusOK
	if report.HasFailures {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := s.MaxUploadBytes
	if limit <= 0 {
		limit = 20 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'image' file: %w", err))
		return
	}
	defer file.Close()

	name := strings.TrimSpace(r.FormValue("instrument"))
	if name == "" {
		name = instrument.DefaultName
	}
	if _, known := s.catalog().Resolve(name); !known {
		s.logger().Info("unknown instrument, using default", "instrument", name, "default", instrument.DefaultName)
	}

	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".png"
	}
	inputKey, err := s.Blobs.Put(blob.InputKey(id, ext), file)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("store input: %w", err))
		return
	}

	now := time.Now().UTC()
	job := model.Job{
		ID:         id,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     model.JobQueued,
		InputKey:   inputKey,
		Instrument: name,
	}
	if err := s.Jobs.CreateJob(ctx, job); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"jobId": id})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job, s.BaseURL))
}

func (s Server) loadJob(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, err := s.Jobs.GetJob(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, model.ErrNotFound) {
		writeErr(w, http.StatusNotFound, err)
		return model.Job{}, false
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return model.Job{}, false
	}
	return job, true
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var status *model.JobStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed := model.JobStatus(raw)
		if !parsed.Valid() || parsed == model.JobIdle {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid status: %s", raw))
			return
		}
		status = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = min(value, 100)
	}

	jobs, err := s.Jobs.ListJobs(ctx, status, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, jobResponse(job, s.BaseURL))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleGetProgress never fails: unknown ids read as idle.
func (s Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.Progress.Read(r.Context(), chi.URLParam(r, "id")))
}

func (s Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != model.JobDone || job.OutputKey == "" || !s.Blobs.Exists(job.OutputKey) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("result not ready"))
		return
	}
	f, err := s.Blobs.Open(job.OutputKey)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(job.OutputKey)}))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status.Terminal() {
		writeErr(w, http.StatusConflict, fmt.Errorf("job already %s", job.Status))
		return
	}
	if s.Canceller != nil && s.Canceller.Cancel(job.ID) == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "status": "cancelling"})
		return
	}
	cancelled, err := s.Jobs.CancelQueued(ctx, job.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if !cancelled {
		writeErr(w, http.StatusConflict, fmt.Errorf("job is starting, retry"))
		return
	}
	if err := s.Progress.Report(ctx, job.ID, 0, "Cancelled"); err != nil {
		s.logger().Warn("record cancellation progress", "jobId", job.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "status": model.JobCancelled})
}

// handleGetArtifact serves files from a job's work tree, which is kept when
// assembly fails.
func (s Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" || raw == "." {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing artifact path"))
		return
	}
	clean := path.Clean(raw)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid artifact path"))
		return
	}

	relPath := path.Join("jobs", id, "work", clean)
	if !s.Blobs.Exists(relPath) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not found"))
		return
	}
	f, err := s.Blobs.Open(relPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	contentType := http.DetectContentType(buf[:n])
	if ext := path.Ext(clean); ext != "" {
		if mimeType := mime.TypeByExtension(ext); mimeType != "" {
			if contentType == "application/octet-stream" || strings.HasPrefix(contentType, "text/plain") {
				contentType = mimeType
			}
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func jobResponse(job model.Job, baseURL string) map[string]any {
	resp := map[string]any{
		"id":         job.ID,
		"createdAt":  job.CreatedAt,
		"updatedAt":  job.UpdatedAt,
		"status":     job.Status,
		"progress":   job.Progress,
		"message":    job.Message,
		"instrument": job.Instrument,
		"inputKey":   job.InputKey,
		"outputKey":  job.OutputKey,
		"error":      job.Error,
	}
	if job.Status == model.JobDone && job.OutputKey != "" {
		base := strings.TrimRight(baseURL, "/")
		resp["resultUrl"] = fmt.Sprintf("%s/v1/jobs/%s/result", base, job.ID)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
