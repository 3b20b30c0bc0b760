// Package api exposes the HTTP surface: upload submission and control,
// processing task visibility, project lookups, and (in local mode) signed
// object downloads.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/model"
	"github.com/clipforge/clipforge/internal/processing"
	"github.com/clipforge/clipforge/internal/repository"
	"github.com/clipforge/clipforge/internal/service"
	"github.com/clipforge/clipforge/internal/signing"
	"github.com/clipforge/clipforge/internal/uploader"
)

// Server exposes HTTP endpoints for uploads, processing tasks, and projects.
type Server struct {
	cfg      *config.Config
	uploads  *service.UploadService
	queue    *processing.Queue
	projects repository.ProjectStore
	logger   zerolog.Logger

	objects *blob.MemoryStore
	signer  *signing.Signer

	server *http.Server
	once   sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, uploads *service.UploadService, queue *processing.Queue, projects repository.ProjectStore, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		uploads:  uploads,
		queue:    queue,
		projects: projects,
		logger:   logger,
	}
}

// ServeLocalObjects mounts /objects/ backed by the in-memory store, with
// signed-URL validation. Used when running without a real object store.
func (s *Server) ServeLocalObjects(store *blob.MemoryStore, signer *signing.Signer) {
	s.objects = store
	s.signer = signer
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/uploads", s.handleUploads)
	mux.HandleFunc("/uploads/", s.handleUploadRoute)
	mux.HandleFunc("/processing", s.handleProcessingList)
	mux.HandleFunc("/processing/", s.handleProcessingRoute)
	mux.HandleFunc("/projects/", s.handleProjectRoute)
	if s.objects != nil {
		mux.HandleFunc("/objects/", s.handleObject)
	}
	return corsMiddleware(loggingMiddleware(s.logger, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateUpload(w, r)
	case http.MethodGet:
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "user query parameter required", http.StatusBadRequest)
			return
		}
		tasks := s.uploads.GetUserUploadTasks(userID)
		if tasks == nil {
			tasks = []*model.UploadTask{}
		}
		respondJSON(w, http.StatusOK, tasks)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUploadRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/uploads/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleUploadTask(w, r, id)
		return
	}
	switch parts[1] {
	case "pause":
		s.handleUploadControl(w, r, id, s.uploads.PauseUploadTask)
	case "resume":
		s.handleUploadControl(w, r, id, s.uploads.ResumeUploadTask)
	case "cancel":
		s.handleUploadControl(w, r, id, s.uploads.CancelUploadTask)
	default:
		http.NotFound(w, r)
	}
}

// uploadView is the poll response: the task snapshot plus, while a session is
// running, its live chunk-level status.
type uploadView struct {
	*model.UploadTask
	Session *uploader.Status `json:"session,omitempty"`
}

func (s *Server) handleUploadTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	task, ok := s.uploads.GetUploadTask(id)
	if !ok {
		http.Error(w, "upload task not found", http.StatusNotFound)
		return
	}
	view := uploadView{UploadTask: task}
	if status, ok := s.uploads.SessionStatus(id); ok {
		view.Session = &status
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleUploadControl(w http.ResponseWriter, r *http.Request, id string, op func(string) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch err := op(id); {
	case err == nil:
		task, _ := s.uploads.GetUploadTask(id)
		respondJSON(w, http.StatusOK, task)
	case errors.Is(err, service.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrNotUploading), errors.Is(err, service.ErrTaskFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	fields := map[string]string{}
	var tmp *tempUpload
	for tmp == nil {
		part, err := mr.NextPart()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if part.FormName() == "file" {
			tmp, err = s.persistTemp(part)
			part.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			break
		}
		value, err := readFormValue(part)
		part.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fields[part.FormName()] = value
	}
	if tmp == nil {
		http.Error(w, "file part required", http.StatusBadRequest)
		return
	}
	userID := fields["userId"]
	if userID == "" {
		os.Remove(tmp.path)
		http.Error(w, "userId field required", http.StatusBadRequest)
		return
	}

	src, err := uploader.OpenFile(tmp.path, tmp.contentType)
	if err != nil {
		os.Remove(tmp.path)
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}
	src.SetName(tmp.filename)
	src.RemoveOnClose()

	task := s.uploads.CreateUploadTask(src, userID, service.UploadOptions{
		Title:      fields["title"],
		ChunkSize:  parseInt64Field(fields["chunkSize"]),
		Processing: processingOptions(fields),
	})
	status := http.StatusAccepted
	if task.Status == model.UploadError {
		status = http.StatusUnprocessableEntity
	}
	respondJSON(w, status, task)
}

func processingOptions(fields map[string]string) model.ProcessingOptions {
	detect, _ := strconv.ParseBool(fields["detectHighlights"])
	maxHighlights, _ := strconv.Atoi(fields["maxHighlights"])
	return model.ProcessingOptions{
		Language:              fields["language"],
		TranscriptionProvider: fields["transcriptionProvider"],
		AnalysisProvider:      fields["analysisProvider"],
		DetectHighlights:      detect,
		MaxHighlights:         maxHighlights,
	}
}

func (s *Server) handleProcessingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var tasks []*model.ProcessingTask
	switch {
	case r.URL.Query().Get("user") != "":
		tasks = s.queue.TasksForUser(r.URL.Query().Get("user"))
	case r.URL.Query().Get("project") != "":
		tasks = s.queue.TasksForProject(r.URL.Query().Get("project"))
	default:
		http.Error(w, "user or project query parameter required", http.StatusBadRequest)
		return
	}
	if tasks == nil {
		tasks = []*model.ProcessingTask{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleProcessingRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/processing/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, ok := s.queue.Get(id)
		if !ok {
			http.Error(w, "processing task not found", http.StatusNotFound)
			return
		}
		respondJSON(w, http.StatusOK, task)
		return
	}
	if parts[1] != "cancel" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch err := s.queue.Cancel(id); {
	case err == nil:
		task, _ := s.queue.Get(id)
		respondJSON(w, http.StatusOK, task)
	case errors.Is(err, processing.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, processing.ErrTaskActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleProjectRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/projects/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "project not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load project", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

// handleObject serves locally stored objects behind signed URLs.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/objects/")
	if key == "" {
		http.NotFound(w, r)
		return
	}
	expires := r.URL.Query().Get("expires")
	signature := r.URL.Query().Get("signature")
	if !s.signer.Validate(key, expires, signature) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || time.Now().Unix() > exp {
		http.Error(w, "url expired", http.StatusForbidden)
		return
	}
	data, contentType, ok := s.objects.Get(key)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type tempUpload struct {
	path        string
	size        int64
	contentType string
	filename    string
}

// persistTemp spools the multipart file part to disk so chunk workers can
// read ranges concurrently, sniffing the content type from the first bytes.
func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "clipforge-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize)
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				tmpFile.Close()
				os.Remove(tmpFile.Name())
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpFile.Name())
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return nil, fmt.Errorf("close temp file: %w", err)
	}
	if written == 0 {
		os.Remove(tmpFile.Name())
		return nil, errors.New("empty file")
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.mp4"
	}
	return &tempUpload{
		path:        tmpFile.Name(),
		size:        written,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func readFormValue(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, 4*1024))
	if err != nil {
		return "", fmt.Errorf("read form field %q: %w", part.FormName(), err)
	}
	return string(data), nil
}

func parseInt64Field(v string) int64 {
	if v == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
