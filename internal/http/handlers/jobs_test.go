package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"server/internal/domain"
	httpapi "server/internal/http"
	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/queue"
)

type stubQueue struct {
	enqueued     []*domain.Job
	enqueueErr   error
	lookupStatus domain.JobStatus
	lookupResult *domain.Result
	lookupErr    error
	snapshotErr  error
	unloads      int
}

func (q *stubQueue) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	job.ID = "task-123"
	q.enqueued = append(q.enqueued, job)
	return job.ID, nil
}

func (q *stubQueue) Lookup(ctx context.Context, jobID string) (domain.JobStatus, *domain.Result, error) {
	return q.lookupStatus, q.lookupResult, q.lookupErr
}

func (q *stubQueue) Snapshot(ctx context.Context) (*queue.Stats, error) {
	if q.snapshotErr != nil {
		return nil, q.snapshotErr
	}
	return &queue.Stats{
		LaneDepths:   map[string]int64{"esrgan": 2, "gfpgan": 0},
		RetryBacklog: 1,
		Workers:      []string{"worker-1"},
	}, nil
}

func (q *stubQueue) PublishModelUnload(ctx context.Context) error {
	q.unloads++
	return nil
}

type stubArtifacts struct {
	items []domain.Artifact
	err   error
}

func (s *stubArtifacts) Create(ctx context.Context, artifact *domain.Artifact) error { return nil }

func (s *stubArtifacts) ListRecent(ctx context.Context, limit int) ([]domain.Artifact, error) {
	return s.items, s.err
}

func newTestServer(t *testing.T, q *stubQueue) *httptest.Server {
	t.Helper()
	cfg := &infra.Config{
		AppEnv:          "test",
		MaxUploadBytes:  50 << 20,
		RateLimitPerMin: 1000,
	}
	logger := infra.NewLogger("test")
	app := handlers.NewApp(cfg, &logger, q, &stubArtifacts{})
	srv := httptest.NewServer(httpapi.NewRouter(app))
	t.Cleanup(srv.Close)
	return srv
}

func pngUpload(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// noisyPNG fills the image with random pixels so the encoding cannot
// compress below the upload limit under test.
func noisyPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if _, err := rng.Read(img.Pix); err != nil {
		t.Fatalf("fill noise: %v", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, fileData []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fileData != nil {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", `form-data; name="file"; filename="photo.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(fileData); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestUpscaleAccepted(t *testing.T) {
	q := &stubQueue{}
	srv := newTestServer(t, q)

	body, contentType := multipartBody(t, pngUpload(t, 64, 48), map[string]string{"format": "png"})
	res, err := http.Post(srv.URL+"/v1/upscale", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.StatusCode)
	}

	out := decodeBody(t, res)
	if out["success"] != true || out["task_id"] != "task-123" || out["status"] != "queued" {
		t.Fatalf("unexpected response: %v", out)
	}
	info := out["image_info"].(map[string]any)
	if info["width"].(float64) != 64 || info["height"].(float64) != 48 {
		t.Fatalf("unexpected image info: %v", info)
	}
	options := out["options"].(map[string]any)
	if options["format"] != "png" {
		t.Fatalf("unexpected options: %v", options)
	}

	if len(q.enqueued) != 1 || q.enqueued[0].Kind != domain.JobKindUpscale {
		t.Fatalf("job not enqueued: %+v", q.enqueued)
	}
}

func TestFaceEnhanceCarriesCenterFaceFlag(t *testing.T) {
	q := &stubQueue{}
	srv := newTestServer(t, q)

	body, contentType := multipartBody(t, pngUpload(t, 32, 32), map[string]string{"only_center_face": "true"})
	res, err := http.Post(srv.URL+"/v1/face-enhance", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.StatusCode)
	}
	res.Body.Close()

	if len(q.enqueued) != 1 {
		t.Fatalf("job not enqueued: %+v", q.enqueued)
	}
	job := q.enqueued[0]
	if job.Kind != domain.JobKindFaceEnhance || !job.Options.OnlyCenterFace {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Options.Format != domain.DefaultFormat {
		t.Fatalf("expected default format, got %q", job.Options.Format)
	}
}

func TestSubmitRejectsUnknownFormat(t *testing.T) {
	srv := newTestServer(t, &stubQueue{})

	body, contentType := multipartBody(t, pngUpload(t, 8, 8), map[string]string{"format": "tiff"})
	res, err := http.Post(srv.URL+"/v1/upscale", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
	out := decodeBody(t, res)
	if !strings.Contains(out["message"].(string), "webp, png, jpeg") {
		t.Fatalf("message should list the supported formats: %v", out)
	}
}

func TestSubmitRequiresFile(t *testing.T) {
	srv := newTestServer(t, &stubQueue{})

	body, contentType := multipartBody(t, nil, map[string]string{"format": "png"})
	res, err := http.Post(srv.URL+"/v1/upscale", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}

func TestSubmitRejectsUndecodableUpload(t *testing.T) {
	srv := newTestServer(t, &stubQueue{})

	body, contentType := multipartBody(t, []byte("definitely not pixels"), nil)
	res, err := http.Post(srv.URL+"/v1/upscale", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}

func TestSubmitRejectsOversizedUpload(t *testing.T) {
	q := &stubQueue{}
	cfg := &infra.Config{AppEnv: "test", MaxUploadBytes: 1024, RateLimitPerMin: 1000}
	logger := infra.NewLogger("test")
	app := handlers.NewApp(cfg, &logger, q, &stubArtifacts{})
	srv := httptest.NewServer(httpapi.NewRouter(app))
	defer srv.Close()

	body, contentType := multipartBody(t, noisyPNG(t, 64, 64), nil)
	res, err := http.Post(srv.URL+"/v1/upscale", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.StatusCode)
	}
}

func TestResultNotFound(t *testing.T) {
	srv := newTestServer(t, &stubQueue{lookupErr: domain.ErrNotFound})

	res, err := http.Get(srv.URL + "/v1/results/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	out := decodeBody(t, res)
	if out["status"] != "not_found" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestResultCompleted(t *testing.T) {
	result := &domain.Result{
		Success:  true,
		TaskID:   "task-123",
		ImageURL: "https://cdn.example/out.webp",
		Format:   "webp",
	}
	srv := newTestServer(t, &stubQueue{lookupStatus: domain.JobStatusCompleted, lookupResult: result})

	res, err := http.Get(srv.URL + "/v1/results/task-123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	out := decodeBody(t, res)
	if out["success"] != true || out["status"] != "completed" {
		t.Fatalf("unexpected body: %v", out)
	}
	payload := out["result"].(map[string]any)
	if payload["imageUrl"] != "https://cdn.example/out.webp" {
		t.Fatalf("unexpected result payload: %v", payload)
	}
}

func TestResultFailed(t *testing.T) {
	result := domain.FailureResult("task-123", "Upscaling failed. Please try again.")
	srv := newTestServer(t, &stubQueue{lookupStatus: domain.JobStatusFailed, lookupResult: result})

	res, err := http.Get(srv.URL + "/v1/results/task-123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	out := decodeBody(t, res)
	if out["success"] != false || out["status"] != "failed" {
		t.Fatalf("unexpected body: %v", out)
	}
	if out["error"] != "Upscaling failed. Please try again." {
		t.Fatalf("unexpected error: %v", out["error"])
	}
}

func TestResultPending(t *testing.T) {
	srv := newTestServer(t, &stubQueue{lookupStatus: domain.JobStatusProcessing})

	res, err := http.Get(srv.URL + "/v1/results/task-123")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	out := decodeBody(t, res)
	if out["status"] != "processing" || out["message"] != "Task is still being processed" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, &stubQueue{})

	res, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	out := decodeBody(t, res)
	queues := out["queues"].(map[string]any)
	if queues["esrgan"].(float64) != 2 {
		t.Fatalf("unexpected stats: %v", out)
	}
}

func TestHealthDegradedWhenQueueDown(t *testing.T) {
	srv := newTestServer(t, &stubQueue{snapshotErr: errors.New("redis down")})

	res, err := http.Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.StatusCode)
	}
	out := decodeBody(t, res)
	if out["status"] != "degraded" {
		t.Fatalf("unexpected body: %v", out)
	}
}

func TestUnloadModelsBroadcasts(t *testing.T) {
	q := &stubQueue{}
	srv := newTestServer(t, q)

	res, err := http.Post(srv.URL+"/v1/admin/unload-models", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if q.unloads != 1 {
		t.Fatalf("expected one unload broadcast, got %d", q.unloads)
	}
}
