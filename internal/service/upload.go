// Package service implements the upload task registry: the per-user
// catalogue of upload sessions, a bounded FIFO admission queue that keeps at
// most a few sessions running across all users, and the post-upload steps
// that turn a finished upload into a project ready for processing.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/media"
	"github.com/clipforge/clipforge/internal/model"
	"github.com/clipforge/clipforge/internal/processing"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/retry"
	"github.com/clipforge/clipforge/internal/uploader"
)

// ValidationError describes a file rejected before any I/O happened.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Errors returned by the task control operations.
var (
	ErrTaskNotFound = fmt.Errorf("upload task not found")
	ErrNotUploading = fmt.Errorf("upload task is not uploading")
	ErrTaskFinished = fmt.Errorf("upload task already finished")
)

// Options configures the registry.
type Options struct {
	MaxFileSize       int64
	AllowedExtensions []string
	MaxFileNameLength int

	ChunkSize        int64
	ChunkConcurrency int
	Retry            retry.Policy

	// Concurrency bounds how many upload sessions run at once across all
	// users. It is intentionally a separate, smaller pool than the per-session
	// chunk concurrency.
	Concurrency int
	QueueDepth  int

	TaskTTL       time.Duration
	EvictInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = 2 << 30
	}
	if len(o.AllowedExtensions) == 0 {
		o.AllowedExtensions = []string{".mp4", ".mov", ".webm", ".mkv", ".avi"}
	}
	if o.MaxFileNameLength <= 0 {
		o.MaxFileNameLength = 255
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 5 << 20
	}
	if o.ChunkConcurrency <= 0 {
		o.ChunkConcurrency = 3
	}
	if o.Retry.MaxRetries <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 128
	}
	if o.TaskTTL <= 0 {
		o.TaskTTL = time.Hour
	}
	if o.EvictInterval <= 0 {
		o.EvictInterval = 5 * time.Minute
	}
	return o
}

// UploadOptions are per-task knobs supplied by the caller.
type UploadOptions struct {
	Title       string
	ChunkSize   int64
	Concurrency int
	Processing  model.ProcessingOptions
}

// UploadService owns every upload task in the process.
type UploadService struct {
	store    blob.Store
	projects repository.ProjectStore
	queue    *processing.Queue
	prober   media.Prober
	thumbs   media.Thumbnailer
	logger   zerolog.Logger
	opts     Options

	allowed map[string]struct{}

	mu       sync.RWMutex
	tasks    map[string]*model.UploadTask
	sessions map[string]*uploader.Session
	sources  map[string]uploader.Source
	titles   map[string]string
	procOpts map[string]model.ProcessingOptions

	admit chan string
	wg    sync.WaitGroup
}

// NewUploadService wires the registry with its collaborators.
func NewUploadService(store blob.Store, projects repository.ProjectStore, queue *processing.Queue, prober media.Prober, thumbs media.Thumbnailer, opts Options, logger zerolog.Logger) *UploadService {
	opts = opts.withDefaults()
	allowed := make(map[string]struct{}, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &UploadService{
		store:    store,
		projects: projects,
		queue:    queue,
		prober:   prober,
		thumbs:   thumbs,
		logger:   logger,
		opts:     opts,
		allowed:  allowed,
		tasks:    make(map[string]*model.UploadTask),
		sessions: make(map[string]*uploader.Session),
		sources:  make(map[string]uploader.Source),
		titles:   make(map[string]string),
		procOpts: make(map[string]model.ProcessingOptions),
		admit:    make(chan string, opts.QueueDepth),
	}
}

// Start launches the admission runners and the eviction sweep.
func (s *UploadService) Start(ctx context.Context) {
	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.runner(ctx)
	}
	s.wg.Add(1)
	go s.evictLoop(ctx)
}

// Wait blocks until all runners have exited after context cancellation.
func (s *UploadService) Wait() {
	s.wg.Wait()
}

// CreateUploadTask validates the file and enqueues an upload. Callers always
// get a task handle back: validation failures produce a task already in a
// terminal error state instead of a synchronous error.
func (s *UploadService) CreateUploadTask(src uploader.Source, userID string, opts UploadOptions) *model.UploadTask {
	task := &model.UploadTask{
		ID:          uuid.NewString(),
		UserID:      userID,
		FileName:    src.Name(),
		FileSize:    src.Size(),
		ContentType: src.ContentType(),
		ChunkSize:   s.opts.ChunkSize,
		Concurrency: s.opts.ChunkConcurrency,
		Status:      model.UploadPending,
		CreatedAt:   time.Now().UTC(),
	}
	if opts.ChunkSize > 0 {
		task.ChunkSize = opts.ChunkSize
	}
	if opts.Concurrency > 0 {
		task.Concurrency = opts.Concurrency
	}

	if err := s.validate(src); err != nil {
		task.Status = model.UploadError
		task.Error = err.Error()
		closeSource(src)
		s.mu.Lock()
		s.tasks[task.ID] = task
		s.mu.Unlock()
		s.logger.Warn().Str("task_id", task.ID).Str("file", src.Name()).Err(err).Msg("upload rejected")
		out := *task
		return &out
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.sources[task.ID] = src
	s.titles[task.ID] = opts.Title
	s.procOpts[task.ID] = opts.Processing
	s.mu.Unlock()

	select {
	case s.admit <- task.ID:
	default:
		// admission queue full: reflect reality instead of blocking the caller
		s.failTask(task.ID, "upload queue full")
	}

	out := *task
	return &out
}

// GetUploadTask returns a snapshot of the task.
func (s *UploadService) GetUploadTask(id string) (*model.UploadTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	out := *task
	return &out, true
}

// GetUserUploadTasks returns snapshots of all tasks owned by the user.
func (s *UploadService) GetUserUploadTasks(userID string) []*model.UploadTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.UploadTask
	for _, task := range s.tasks {
		if task.UserID == userID {
			c := *task
			out = append(out, &c)
		}
	}
	return out
}

// SessionStatus exposes the live chunk-level snapshot for pollers.
func (s *UploadService) SessionStatus(id string) (uploader.Status, bool) {
	s.mu.RLock()
	sess := s.sessions[id]
	s.mu.RUnlock()
	if sess == nil {
		return uploader.Status{}, false
	}
	return sess.Status(), true
}

// PauseUploadTask pauses the running session for the task.
func (s *UploadService) PauseUploadTask(id string) error {
	sess, err := s.runningSession(id)
	if err != nil {
		return err
	}
	sess.Pause()
	return nil
}

// ResumeUploadTask resumes a paused session.
func (s *UploadService) ResumeUploadTask(id string) error {
	sess, err := s.runningSession(id)
	if err != nil {
		return err
	}
	sess.Resume()
	return nil
}

// CancelUploadTask cancels a pending or uploading task. Finished tasks are
// rejected.
func (s *UploadService) CancelUploadTask(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status.Terminal() {
		s.mu.Unlock()
		return ErrTaskFinished
	}
	if task.Status == model.UploadPending {
		// not admitted yet; the runner will skip it
		task.Status = model.UploadError
		task.Error = "upload canceled"
		src := s.sources[id]
		delete(s.sources, id)
		s.mu.Unlock()
		closeSource(src)
		return nil
	}
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess != nil {
		sess.Cancel()
		return nil
	}
	return ErrNotUploading
}

func (s *UploadService) runningSession(id string) (*uploader.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	sess := s.sessions[id]
	if sess == nil {
		return nil, ErrNotUploading
	}
	return sess, nil
}

func (s *UploadService) validate(src uploader.Source) error {
	if src.Size() <= 0 {
		return &ValidationError{Reason: "empty file"}
	}
	if src.Size() > s.opts.MaxFileSize {
		return &ValidationError{Reason: fmt.Sprintf("file exceeds limit (%d bytes)", s.opts.MaxFileSize)}
	}
	name := src.Name()
	if name == "" {
		return &ValidationError{Reason: "missing filename"}
	}
	if len(name) > s.opts.MaxFileNameLength {
		return &ValidationError{Reason: fmt.Sprintf("filename exceeds %d characters", s.opts.MaxFileNameLength)}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := s.allowed[ext]; !ok {
		return &ValidationError{Reason: fmt.Sprintf("file type %q not allowed", ext)}
	}
	return nil
}

func (s *UploadService) runner(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-s.admit:
			s.runTask(ctx, id)
		}
	}
}

func (s *UploadService) runTask(ctx context.Context, id string) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if !ok || task.Status != model.UploadPending {
		// canceled or evicted while queued
		s.mu.Unlock()
		return
	}
	task.Status = model.UploadUploading
	task.StartedAt = time.Now().UTC()
	src := s.sources[id]
	title := s.titles[id]
	userID := task.UserID
	target := fmt.Sprintf("videos/%s/%s/%s", userID, id, src.Name())

	sess := uploader.NewSession(s.store, src, target, uploader.Config{
		ChunkSize:   task.ChunkSize,
		Concurrency: task.Concurrency,
		Retry:       s.opts.Retry,
		Logger:      s.logger.With().Str("task_id", id).Logger(),
	})
	s.sessions[id] = sess
	s.mu.Unlock()

	res, err := sess.Upload(ctx, func(p uploader.Progress) {
		s.mu.Lock()
		task.Progress = p.Percent
		s.mu.Unlock()
	})

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if err != nil {
		msg := err.Error()
		if sess.Canceled() {
			msg = "upload canceled"
		}
		s.failTask(id, msg)
		s.releaseSource(id)
		return
	}
	s.finishUpload(ctx, task, src, title, res)
	s.releaseSource(id)
}

// finishUpload runs the post-upload steps: backing project record, metadata
// probe, thumbnail, and the hand-off to the processing queue.
func (s *UploadService) finishUpload(ctx context.Context, task *model.UploadTask, src uploader.Source, title string, res *uploader.Result) {
	logger := s.logger.With().Str("task_id", task.ID).Logger()
	if title == "" {
		title = strings.TrimSuffix(src.Name(), filepath.Ext(src.Name()))
	}
	project := &repository.Project{
		ID:     uuid.NewString(),
		UserID: task.UserID,
		Title:  title,
		Status: repository.StatusProcessing,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		logger.Error().Err(err).Msg("create project failed")
		s.failTask(task.ID, fmt.Sprintf("create project: %v", err))
		return
	}
	s.mu.Lock()
	task.ProjectID = project.ID
	s.mu.Unlock()

	meta, err := s.prober.Probe(ctx, src)
	if err != nil {
		logger.Error().Err(err).Msg("metadata probe failed")
		s.failTask(task.ID, fmt.Sprintf("probe metadata: %v", err))
		s.failProject(ctx, project.ID, fmt.Sprintf("probe metadata: %v", err))
		return
	}

	thumbURL := s.uploadThumbnail(ctx, task, src, res.Path)

	mediaUpdate := repository.Media{
		VideoURL:     res.URL,
		ThumbnailURL: thumbURL,
		Duration:     meta.Duration,
		Width:        meta.Width,
		Height:       meta.Height,
	}
	if err := s.projects.UpdateMedia(ctx, project.ID, mediaUpdate); err != nil {
		logger.Error().Err(err).Msg("update project media failed")
		s.failTask(task.ID, fmt.Sprintf("update project: %v", err))
		s.failProject(ctx, project.ID, fmt.Sprintf("update project: %v", err))
		return
	}

	s.mu.Lock()
	task.Status = model.UploadProcessing
	task.Progress = 100
	procOpts := s.procOpts[task.ID]
	s.mu.Unlock()

	s.queue.Add(project.ID, task.UserID, procOpts)
	logger.Info().Str("project_id", project.ID).Int64("bytes", res.Size).Msg("upload finished, processing queued")
}

// uploadThumbnail is best-effort: a missing poster frame never fails the
// task.
func (s *UploadService) uploadThumbnail(ctx context.Context, task *model.UploadTask, src uploader.Source, videoPath string) string {
	if s.thumbs == nil {
		return ""
	}
	data, contentType, err := s.thumbs.Extract(ctx, src)
	if err != nil {
		s.logger.Warn().Str("task_id", task.ID).Err(err).Msg("thumbnail extraction failed")
		return ""
	}
	key := strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_thumb.jpg"
	if err := s.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		s.logger.Warn().Str("task_id", task.ID).Err(err).Msg("thumbnail upload failed")
		return ""
	}
	url, err := s.store.PublicURL(ctx, key)
	if err != nil {
		s.logger.Warn().Str("task_id", task.ID).Err(err).Msg("thumbnail url failed")
		return ""
	}
	return url
}

// SyncProcessingResult moves the owning upload task out of "processing" once
// the downstream pipeline finishes. Wire it to processing.Queue.OnTaskDone.
func (s *UploadService) SyncProcessingResult(procTask *model.ProcessingTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range s.tasks {
		if task.ProjectID != procTask.ProjectID || task.Status != model.UploadProcessing {
			continue
		}
		if procTask.Status == model.ProcessingCompleted {
			task.Status = model.UploadCompleted
		} else {
			task.Status = model.UploadError
			task.Error = procTask.Error
		}
	}
}

func (s *UploadService) failTask(id, msg string) {
	s.mu.Lock()
	if task, ok := s.tasks[id]; ok && !task.Status.Terminal() {
		task.Status = model.UploadError
		task.Error = msg
	}
	s.mu.Unlock()
}

func (s *UploadService) failProject(ctx context.Context, projectID, msg string) {
	if err := s.projects.UpdateStatus(ctx, projectID, repository.StatusError, 0, msg); err != nil {
		s.logger.Warn().Str("project_id", projectID).Err(err).Msg("sync project to error failed")
	}
}

func (s *UploadService) releaseSource(id string) {
	s.mu.Lock()
	src := s.sources[id]
	delete(s.sources, id)
	delete(s.titles, id)
	delete(s.procOpts, id)
	s.mu.Unlock()
	closeSource(src)
}

func (s *UploadService) evictLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweep(time.Now().UTC()); n > 0 {
				s.logger.Debug().Int("evicted", n).Msg("upload tasks evicted")
			}
		}
	}
}

// sweep drops terminal tasks older than the TTL and returns how many were
// removed.
func (s *UploadService) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, task := range s.tasks {
		if task.Status.Terminal() && now.Sub(task.CreatedAt) > s.opts.TaskTTL {
			delete(s.tasks, id)
			evicted++
		}
	}
	return evicted
}

func closeSource(src uploader.Source) {
	if c, ok := src.(io.Closer); ok && c != nil {
		c.Close()
	}
}
