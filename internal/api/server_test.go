package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/model"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/processing"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/retry"
	"github.com/clipforge/clipforge/internal/service"
	"github.com/clipforge/clipforge/internal/signing"
)

type testEnv struct {
	handler  http.Handler
	uploads  *service.UploadService
	queue    *processing.Queue
	store    *blob.MemoryStore
	projects *repository.MemoryProjectStore
	signer   *signing.Signer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Address:     ":0",
		MaxFileSize: 1 << 20,
	}
	signer := signing.NewSigner([]byte("api-test-secret"))
	store := blob.NewMemoryStore(signer, time.Hour)
	projects := repository.NewMemoryProjectStore()
	pipe := &pipeline.Default{
		Transcriber: &pipeline.SimulatedTranscriber{},
		Analyzer:    &pipeline.SimulatedAnalyzer{},
	}
	queue := processing.NewQueue(pipe, projects, time.Hour, zerolog.Nop())
	uploads := service.NewUploadService(store, projects, queue, &media.SimulatedProber{}, &media.SimulatedThumbnailer{}, service.Options{
		ChunkSize: 4 << 10,
		Retry: retry.Policy{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		},
	}, zerolog.Nop())
	queue.OnTaskDone = uploads.SyncProcessingResult

	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	uploads.Start(ctx)
	t.Cleanup(func() {
		cancel()
		uploads.Wait()
		queue.Wait()
	})

	srv := New(cfg, uploads, queue, projects, zerolog.Nop())
	srv.ServeLocalObjects(store, signer)
	return &testEnv{
		handler:  srv.handler(),
		uploads:  uploads,
		queue:    queue,
		store:    store,
		projects: projects,
		signer:   signer,
	}
}

func multipartUpload(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write(data)
	}
	mw.Close()
	return body, mw.FormDataContentType()
}

func (e *testEnv) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *model.UploadTask {
	t.Helper()
	var task model.UploadTask
	if err := json.NewDecoder(rec.Body).Decode(&task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return &task
}

func awaitUploadStatus(t *testing.T, e *testEnv, id string, want model.UploadStatus) *model.UploadTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, ok := e.uploads.GetUploadTask(id)
		if ok && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for upload status %q", want)
	return nil
}

func TestUploadEndpointAcceptsVideo(t *testing.T) {
	e := newTestEnv(t)
	data := make([]byte, 10<<10)
	for i := range data {
		data[i] = byte(i)
	}
	body, ct := multipartUpload(t, map[string]string{
		"userId":           "u1",
		"title":            "My clip",
		"detectHighlights": "true",
	}, "clip.mp4", data)

	rec := e.do(t, http.MethodPost, "/uploads", body, ct)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	task := decodeTask(t, rec)
	if task.UserID != "u1" || task.FileName != "clip.mp4" || task.FileSize != int64(len(data)) {
		t.Fatalf("task = %+v", task)
	}

	done := awaitUploadStatus(t, e, task.ID, model.UploadCompleted)
	project, err := e.projects.Get(context.Background(), done.ProjectID)
	if err != nil || project.Title != "My clip" {
		t.Fatalf("project = %+v err = %v", project, err)
	}
}

func TestUploadEndpointRejectsBadRequests(t *testing.T) {
	e := newTestEnv(t)

	t.Run("not multipart", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, "/uploads", bytes.NewBufferString("{}"), "application/json")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
	t.Run("missing user", func(t *testing.T) {
		body, ct := multipartUpload(t, nil, "clip.mp4", []byte("data"))
		rec := e.do(t, http.MethodPost, "/uploads", body, ct)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
	})
	t.Run("missing file", func(t *testing.T) {
		body, ct := multipartUpload(t, map[string]string{"userId": "u1"}, "", nil)
		rec := e.do(t, http.MethodPost, "/uploads", body, ct)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
	t.Run("disallowed extension", func(t *testing.T) {
		body, ct := multipartUpload(t, map[string]string{"userId": "u1"}, "notes.txt", []byte("text"))
		rec := e.do(t, http.MethodPost, "/uploads", body, ct)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
		task := decodeTask(t, rec)
		if task.Status != model.UploadError || !strings.Contains(task.Error, "not allowed") {
			t.Fatalf("task = %+v", task)
		}
	})
}

func TestUploadTaskLookupAndList(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartUpload(t, map[string]string{"userId": "owner"}, "a.mp4", make([]byte, 2<<10))
	task := decodeTask(t, e.do(t, http.MethodPost, "/uploads", body, ct))
	awaitUploadStatus(t, e, task.ID, model.UploadCompleted)

	rec := e.do(t, http.MethodGet, "/uploads/"+task.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get task status = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/uploads/does-not-exist", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/uploads?user=owner", nil, "")
	var tasks []*model.UploadTask
	if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("list = %+v err = %v", tasks, err)
	}
	if rec := e.do(t, http.MethodGet, "/uploads", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("list without user = %d", rec.Code)
	}
}

func TestUploadControlEndpointsRejectInvalidStates(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.do(t, http.MethodPost, "/uploads/nope/pause", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pause unknown = %d", rec.Code)
	}

	body, ct := multipartUpload(t, map[string]string{"userId": "u1"}, "b.mp4", make([]byte, 1<<10))
	task := decodeTask(t, e.do(t, http.MethodPost, "/uploads", body, ct))
	awaitUploadStatus(t, e, task.ID, model.UploadCompleted)

	// session is gone, so pause conflicts; cancel conflicts because terminal
	if rec := e.do(t, http.MethodPost, "/uploads/"+task.ID+"/pause", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("pause finished = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/uploads/"+task.ID+"/cancel", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel finished = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/uploads/"+task.ID+"/pause", nil, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause = %d", rec.Code)
	}
}

func TestProcessingEndpoints(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartUpload(t, map[string]string{"userId": "u1", "detectHighlights": "true"}, "c.mp4", make([]byte, 1<<10))
	task := decodeTask(t, e.do(t, http.MethodPost, "/uploads", body, ct))
	done := awaitUploadStatus(t, e, task.ID, model.UploadCompleted)

	rec := e.do(t, http.MethodGet, "/processing?project="+done.ProjectID, nil, "")
	var tasks []*model.ProcessingTask
	if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil || len(tasks) != 1 {
		t.Fatalf("processing list = %+v err = %v", tasks, err)
	}
	procID := tasks[0].ID

	if rec := e.do(t, http.MethodGet, "/processing/"+procID, nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("get processing = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/processing", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("processing list without filter = %d", rec.Code)
	}
	// completed tasks cannot be canceled
	if rec := e.do(t, http.MethodPost, "/processing/"+procID+"/cancel", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/processing/nope/cancel", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel unknown = %d", rec.Code)
	}
}

func TestProjectEndpoint(t *testing.T) {
	e := newTestEnv(t)
	err := e.projects.Create(context.Background(), &repository.Project{
		ID: "p1", UserID: "u1", Title: "t", Status: repository.StatusReady,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec := e.do(t, http.MethodGet, "/projects/p1", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("get project = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/projects/missing", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing project = %d", rec.Code)
	}
}

func TestSignedObjectDownload(t *testing.T) {
	e := newTestEnv(t)
	key := "videos/u1/t1/sample.mp4"
	payload := []byte("sample-bytes")
	if err := e.store.Put(context.Background(), key, bytes.NewReader(payload), int64(len(payload)), "video/mp4"); err != nil {
		t.Fatalf("put: %v", err)
	}

	expires := time.Now().Add(time.Hour).Unix()
	sig := e.signer.Sign(key, expires)
	path := fmt.Sprintf("/objects/%s?expires=%d&signature=%s", key, expires, url.QueryEscape(sig))
	rec := e.do(t, http.MethodGet, path, nil, "")
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("download = %d body = %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("content type = %q", got)
	}

	t.Run("bad signature", func(t *testing.T) {
		path := fmt.Sprintf("/objects/%s?expires=%d&signature=bogus", key, expires)
		if rec := e.do(t, http.MethodGet, path, nil, ""); rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
	})
	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-time.Hour).Unix()
		sig := e.signer.Sign(key, past)
		path := fmt.Sprintf("/objects/%s?expires=%d&signature=%s", key, past, url.QueryEscape(sig))
		if rec := e.do(t, http.MethodGet, path, nil, ""); rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}
