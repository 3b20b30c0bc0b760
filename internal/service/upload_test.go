package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/model"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/processing"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/retry"
	"github.com/clipforge/clipforge/internal/signing"
	"github.com/clipforge/clipforge/internal/uploader"
)

type fixture struct {
	svc      *UploadService
	store    *blob.MemoryStore
	projects *repository.MemoryProjectStore
	queue    *processing.Queue
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := blob.NewMemoryStore(signing.NewSigner([]byte("test-secret")), time.Hour)
	projects := repository.NewMemoryProjectStore()
	pipe := &pipeline.Default{
		Transcriber: &pipeline.SimulatedTranscriber{},
		Analyzer:    &pipeline.SimulatedAnalyzer{},
	}
	queue := processing.NewQueue(pipe, projects, time.Hour, zerolog.Nop())

	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.Policy{
			MaxRetries:   3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		}
	}
	svc := NewUploadService(store, projects, queue, &media.SimulatedProber{}, &media.SimulatedThumbnailer{}, opts, zerolog.Nop())
	queue.OnTaskDone = svc.SyncProcessingResult

	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Wait()
		queue.Wait()
	})
	return &fixture{svc: svc, store: store, projects: projects, queue: queue}
}

func videoSource(name string, size int) uploader.Source {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return uploader.NewBytesSource(name, "video/mp4", data)
}

func waitForTask(t *testing.T, svc *UploadService, id string, want model.UploadStatus) *model.UploadTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *model.UploadTask
	for time.Now().Before(deadline) {
		task, ok := svc.GetUploadTask(id)
		if ok {
			last = task
			if task.Status == want {
				return task
			}
			if task.Status.Terminal() && want != task.Status {
				t.Fatalf("task reached %q (%s), want %q", task.Status, task.Error, want)
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for status %q, last: %+v", want, last)
	return nil
}

func TestCreateUploadTaskValidation(t *testing.T) {
	f := newFixture(t, Options{})

	tests := []struct {
		name string
		src  uploader.Source
		want string
	}{
		{"empty file", uploader.NewBytesSource("a.mp4", "video/mp4", nil), "empty file"},
		{"bad extension", videoSource("script.exe", 10), "not allowed"},
		{"missing name", uploader.NewBytesSource("", "video/mp4", []byte{1}), "missing filename"},
		{"name too long", videoSource(strings.Repeat("x", 300)+".mp4", 10), "filename exceeds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := f.svc.CreateUploadTask(tc.src, "u1", UploadOptions{})
			if task.Status != model.UploadError {
				t.Fatalf("status = %q, want error", task.Status)
			}
			if !strings.Contains(task.Error, tc.want) {
				t.Fatalf("error = %q, want substring %q", task.Error, tc.want)
			}
			// rejected tasks are still queryable
			if _, ok := f.svc.GetUploadTask(task.ID); !ok {
				t.Fatalf("rejected task not registered")
			}
		})
	}
}

func TestCreateUploadTaskSizeCeiling(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 100})
	task := f.svc.CreateUploadTask(videoSource("big.mp4", 101), "u1", UploadOptions{})
	if task.Status != model.UploadError || !strings.Contains(task.Error, "exceeds limit") {
		t.Fatalf("task = %+v", task)
	}
}

func TestUploadFlowEndToEnd(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1 << 10})
	task := f.svc.CreateUploadTask(videoSource("talk.mp4", 5<<10), "u1", UploadOptions{
		Title:      "Conference talk",
		Processing: model.ProcessingOptions{DetectHighlights: true},
	})
	if task.Status != model.UploadPending {
		t.Fatalf("initial status = %q", task.Status)
	}

	done := waitForTask(t, f.svc, task.ID, model.UploadCompleted)
	if done.ProjectID == "" {
		t.Fatalf("no project recorded on task")
	}
	if done.Progress != 100 {
		t.Fatalf("progress = %v, want 100", done.Progress)
	}

	project, err := f.projects.Get(context.Background(), done.ProjectID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.Title != "Conference talk" {
		t.Fatalf("title = %q", project.Title)
	}
	if project.Status != repository.StatusReady || project.Progress != 100 {
		t.Fatalf("project not ready: %+v", project)
	}
	if project.VideoURL == "" || project.ThumbnailURL == "" {
		t.Fatalf("media urls missing: %+v", project)
	}
	if project.Duration <= 0 || project.Width == 0 {
		t.Fatalf("metadata missing: %+v", project)
	}

	procTasks := f.queue.TasksForProject(done.ProjectID)
	if len(procTasks) != 1 || procTasks[0].Status != model.ProcessingCompleted {
		t.Fatalf("processing tasks = %+v", procTasks)
	}
	if !procTasks[0].Options.DetectHighlights {
		t.Fatalf("processing options not forwarded")
	}
}

func TestUploadFailureMarksTaskError(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1 << 10, Retry: retry.Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}})
	f.store.SetPutHook(func(key string) error {
		return blob.Transient(errors.New("storage down"))
	})

	task := f.svc.CreateUploadTask(videoSource("broken.mp4", 4<<10), "u1", UploadOptions{})
	failed := waitForTask(t, f.svc, task.ID, model.UploadError)
	if failed.Error == "" {
		t.Fatalf("no error message on failed task")
	}
	// the session never finished, so no project and no processing task exist
	if failed.ProjectID != "" {
		t.Fatalf("project created for failed upload: %+v", failed)
	}
	if got := f.queue.TasksForUser("u1"); len(got) != 0 {
		t.Fatalf("processing enqueued for failed upload: %+v", got)
	}
}

func TestAdmissionBoundsConcurrentSessions(t *testing.T) {
	var mu sync.Mutex
	running, maxSeen := 0, 0
	gate := make(chan struct{})

	f := newFixture(t, Options{ChunkSize: 1 << 10, Concurrency: 2})
	f.store.SetPutHook(func(key string) error {
		if strings.Contains(key, "_thumb") {
			return nil
		}
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	var ids []string
	for _, name := range []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"} {
		// single-chunk files so each session holds one put at a time
		task := f.svc.CreateUploadTask(videoSource(name, 512), "u1", UploadOptions{})
		ids = append(ids, task.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := running
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if maxSeen > 2 {
		mu.Unlock()
		t.Fatalf("sessions ran %d wide, admission pool is 2", maxSeen)
	}
	mu.Unlock()

	close(gate)
	for _, id := range ids {
		waitForTask(t, f.svc, id, model.UploadCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 2 {
		t.Fatalf("max concurrent sessions = %d, want 2", maxSeen)
	}
}

func TestPauseResumeCancelControls(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1 << 10})

	if err := f.svc.PauseUploadTask("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("pause unknown = %v, want ErrTaskNotFound", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.store.SetPutHook(func(key string) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})

	task := f.svc.CreateUploadTask(videoSource("movie.mp4", 8<<10), "u1", UploadOptions{})
	<-started

	if err := f.svc.PauseUploadTask(task.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	status, ok := f.svc.SessionStatus(task.ID)
	if !ok || !status.Paused {
		t.Fatalf("session status = %+v ok=%v", status, ok)
	}
	if err := f.svc.ResumeUploadTask(task.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := f.svc.CancelUploadTask(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	canceled := waitForTask(t, f.svc, task.ID, model.UploadError)
	if canceled.Error != "upload canceled" {
		t.Fatalf("error = %q", canceled.Error)
	}
	if err := f.svc.CancelUploadTask(task.ID); !errors.Is(err, ErrTaskFinished) {
		t.Fatalf("cancel finished = %v, want ErrTaskFinished", err)
	}
}

func TestCancelPendingTaskBeforeAdmission(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, Options{ChunkSize: 1 << 10, Concurrency: 1})
	f.store.SetPutHook(func(key string) error {
		<-gate
		return nil
	})

	blocker := f.svc.CreateUploadTask(videoSource("first.mp4", 1<<10), "u1", UploadOptions{})
	queued := f.svc.CreateUploadTask(videoSource("second.mp4", 1<<10), "u1", UploadOptions{})

	// wait until the first task occupies the single runner
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.svc.GetUploadTask(blocker.ID)
		if got != nil && got.Status == model.UploadUploading {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.svc.CancelUploadTask(queued.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got, _ := f.svc.GetUploadTask(queued.ID)
	if got.Status != model.UploadError || got.Error != "upload canceled" {
		t.Fatalf("queued task = %+v", got)
	}

	close(gate)
	waitForTask(t, f.svc, blocker.ID, model.UploadCompleted)
	// the canceled task never uploaded anything
	if _, _, ok := f.store.Get("videos/u1/" + queued.ID + "/second.mp4"); ok {
		t.Fatalf("canceled task reached the store")
	}
}

func TestGetUserUploadTasks(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1 << 10})
	a := f.svc.CreateUploadTask(videoSource("a.mp4", 1<<10), "owner", UploadOptions{})
	f.svc.CreateUploadTask(videoSource("b.mp4", 1<<10), "other", UploadOptions{})

	waitForTask(t, f.svc, a.ID, model.UploadCompleted)
	mine := f.svc.GetUserUploadTasks("owner")
	if len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("GetUserUploadTasks = %+v", mine)
	}
}

func TestSweepEvictsOnlyOldTerminalTasks(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 1 << 10, TaskTTL: time.Hour})

	done := f.svc.CreateUploadTask(videoSource("old.mp4", 1<<10), "u1", UploadOptions{})
	waitForTask(t, f.svc, done.ID, model.UploadCompleted)
	rejected := f.svc.CreateUploadTask(videoSource("bad.exe", 10), "u1", UploadOptions{})

	// nothing is old enough yet
	if n := f.svc.sweep(time.Now().UTC()); n != 0 {
		t.Fatalf("early sweep evicted %d", n)
	}

	far := time.Now().UTC().Add(2 * time.Hour)
	if n := f.svc.sweep(far); n != 2 {
		t.Fatalf("sweep evicted %d, want 2", n)
	}
	if _, ok := f.svc.GetUploadTask(done.ID); ok {
		t.Fatalf("terminal task survived sweep")
	}
	if _, ok := f.svc.GetUploadTask(rejected.ID); ok {
		t.Fatalf("rejected task survived sweep")
	}
}
