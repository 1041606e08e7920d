package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/sheet2audio/api-go/internal/blob"
	"github.com/example/sheet2audio/api-go/internal/model"
	"github.com/example/sheet2audio/api-go/internal/progress"
	"github.com/example/sheet2audio/api-go/internal/store"
	"github.com/example/sheet2audio/api-go/internal/worker"
)

type fakeCanceller struct {
	running map[string]bool
}

func (f fakeCanceller) Cancel(id string) error {
	if f.running[id] {
		return nil
	}
	return worker.ErrNotRunning
}

type testServer struct {
	server   Server
	jobs     *store.SQLite
	progress *progress.Memory
	handler  http.Handler
}

func newTestServer(t *testing.T, running ...string) *testServer {
	t.Helper()
	root := t.TempDir()
	jobs, err := store.Open(filepath.Join(root, "jobs.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = jobs.Close() })

	canceller := fakeCanceller{running: map[string]bool{}}
	for _, id := range running {
		canceller.running[id] = true
	}
	reporter := progress.NewMemory()
	srv := Server{
		Blobs:     blob.LocalFS{Root: root},
		Jobs:      jobs,
		Progress:  reporter,
		Canceller: canceller,
		BaseURL:   "http://api.test",
	}
	return &testServer{server: srv, jobs: jobs, progress: reporter, handler: srv.Router()}
}

func (ts *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) seed(t *testing.T, id string, status model.JobStatus) {
	t.Helper()
	now := time.Now().UTC()
	job := model.Job{ID: id, CreatedAt: now, UpdatedAt: now, Status: model.JobQueued, InputKey: blob.InputKey(id, ".png"), Instrument: "Piano"}
	if err := ts.jobs.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if status != model.JobQueued {
		if err := ts.jobs.SetStatus(context.Background(), id, status); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func uploadRequest(t *testing.T, instrument string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "page.PNG")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = fw.Write([]byte("\x89PNG fake"))
	if instrument != "" {
		_ = mw.WriteField("instrument", instrument)
	}
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateJobStoresUploadAndQueues(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, uploadRequest(t, "Violin"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	id := decode[map[string]string](t, rec)["jobId"]

	job, err := ts.jobs.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != model.JobQueued || job.Instrument != "Violin" || job.InputKey != blob.InputKey(id, ".png") {
		t.Fatalf("job = %+v", job)
	}
	if !ts.server.Blobs.Exists(job.InputKey) {
		t.Fatal("upload not stored")
	}
}

func TestCreateJobDefaultsInstrumentAndRequiresImage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, uploadRequest(t, ""))
	id := decode[map[string]string](t, rec)["jobId"]
	job, _ := ts.jobs.GetJob(context.Background(), id)
	if job.Instrument != "Piano" {
		t.Fatalf("instrument = %q", job.Instrument)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("instrument", "Flute")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := ts.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing image status = %d", rec.Code)
	}
}

func TestProgressDefaultsToIdle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/nope/progress", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["progress"] != float64(0) || got["message"] != "Idle" {
		t.Fatalf("progress = %v", got)
	}

	_ = ts.progress.Report(context.Background(), "job-1", 50, "Converting to audio...")
	got = decode[map[string]any](t, ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/progress", nil)))
	if got["progress"] != float64(50) || got["message"] != "Converting to audio..." {
		t.Fatalf("progress = %v", got)
	}
}

func TestGetResult(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "job-1", model.JobRendering)

	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/result", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unfinished result status = %d", rec.Code)
	}

	key, err := ts.server.Blobs.Put(blob.ResultKey("job-1"), bytes.NewReader([]byte("RIFFdata")))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	done := model.JobDone
	if err := ts.jobs.UpdateJob(context.Background(), "job-1", model.JobPatch{Status: &done, OutputKey: &key}); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/result", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "RIFFdata" {
		t.Fatalf("result = %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("Content-Type") != "audio/wav" {
		t.Fatalf("content type = %s", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Content-Disposition") != `attachment; filename=job-1.wav` {
		t.Fatalf("disposition = %s", rec.Header().Get("Content-Disposition"))
	}

	job := decode[map[string]any](t, ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)))
	if job["resultUrl"] != "http://api.test/v1/jobs/job-1/result" {
		t.Fatalf("job = %v", job)
	}
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, "running")
	ts.seed(t, "running", model.JobRecognizing)
	ts.seed(t, "waiting", model.JobQueued)
	ts.seed(t, "finished", model.JobDone)

	tests := []struct {
		id   string
		code int
	}{
		{"running", http.StatusAccepted},
		{"waiting", http.StatusOK},
		{"finished", http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		rec := ts.do(t, httptest.NewRequest(http.MethodPost, "/v1/jobs/"+tt.id+"/cancel", nil))
		if rec.Code != tt.code {
			t.Fatalf("cancel %s status = %d, want %d (%s)", tt.id, rec.Code, tt.code, rec.Body)
		}
	}

	job, _ := ts.jobs.GetJob(context.Background(), "waiting")
	if job.Status != model.JobCancelled {
		t.Fatalf("waiting status = %s", job.Status)
	}
	if got := ts.progress.Read(context.Background(), "waiting"); got.Message != "Cancelled" {
		t.Fatalf("progress = %+v", got)
	}
}

func TestListJobsValidatesStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.seed(t, "a", model.JobQueued)
	ts.seed(t, "b", model.JobDone)

	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?status=bogus", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs?status=done", nil))
	jobs := decode[[]map[string]any](t, rec)
	if len(jobs) != 1 || jobs[0]["id"] != "b" {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestArtifactsStayInsideWorkDir(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.server.Blobs.Workspace("job-1")
	_ = ws.Reset()
	_ = os.WriteFile(filepath.Join(ws.SegmentDir(), "concat.txt"), []byte("file 'x'"), 0o644)

	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/artifacts/segments/concat.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "file 'x'" {
		t.Fatalf("artifact = %d %q", rec.Code, rec.Body)
	}
	rec = ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/artifacts/..%2F..%2Fjobs.db", nil))
	if rec.Code == http.StatusOK {
		t.Fatal("escaped work dir")
	}
}

func TestInstruments(t *testing.T) {
	ts := newTestServer(t)
	got := decode[map[string]any](t, ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/instruments", nil)))
	if got["default"] != "Piano" {
		t.Fatalf("instruments = %v", got)
	}
	if names, _ := got["instruments"].([]any); len(names) < 4 {
		t.Fatalf("instruments = %v", got)
	}
}

func TestDiagnostics(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status = %d", rec.Code)
	}

	ts.server.Diagnostics = func() model.DiagnosticReport {
		return model.DiagnosticReport{Items: []model.DiagnosticItem{{ID: "tool_recognizer", Status: model.DiagnosticPass}}}
	}
	ts.handler = ts.server.Router()
	rec := ts.do(t, httptest.NewRequest(http.MethodGet, "/v1/diagnostics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
