// Package uploader implements the resumable, concurrent chunked upload
// engine: one Session owns one file's upload lifecycle, splitting it into
// chunks, driving a bounded worker pool with per-chunk retry, and finalizing
// the object server-side.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/retry"
)

// ErrCanceled is the terminal outcome of a session whose Cancel was called.
// It is distinct from ordinary upload failure.
var ErrCanceled = errors.New("upload canceled")

// Config tunes one session.
type Config struct {
	ChunkSize   int64
	Concurrency int
	Retry       retry.Policy
	Logger      zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 5 << 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	return c
}

// Result describes the finalized object.
type Result struct {
	Path        string `json:"path"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

// Status is a non-blocking snapshot for external pollers.
type Status struct {
	InProgress      bool    `json:"inProgress"`
	Paused          bool    `json:"paused"`
	Percent         float64 `json:"percent"`
	ActiveChunks    int     `json:"activeChunks"`
	CompletedChunks int     `json:"completedChunks"`
	FailedChunks    int     `json:"failedChunks"`
}

// Session manages one file's upload. Construct with NewSession, run with
// Upload; Pause, Resume, Cancel, and Status are safe from other goroutines.
type Session struct {
	store  blob.Store
	src    Source
	target string
	cfg    Config

	gate     pauseGate
	canceled atomic.Bool
	cancelMu sync.Mutex
	cancelFn context.CancelFunc

	mu       sync.Mutex
	snapshot Status
}

// NewSession prepares an upload of src to the target object key.
func NewSession(store blob.Store, src Source, target string, cfg Config) *Session {
	return &Session{
		store:  store,
		src:    src,
		target: target,
		cfg:    cfg.withDefaults(),
	}
}

// PartKey derives the temporary object key for one chunk.
func PartKey(target string, index int) string {
	return fmt.Sprintf("%s.part%d", target, index)
}

// Upload runs the session to completion, failure, or cancellation. It blocks
// and must be called at most once.
func (s *Session) Upload(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelMu.Lock()
	s.cancelFn = cancel
	s.cancelMu.Unlock()

	size := s.src.Size()
	total := totalChunks(size, s.cfg.ChunkSize)

	s.setInProgress(true)
	defer s.setInProgress(false)

	est := newSpeedEstimator(size)

	var err error
	if total == 1 {
		err = s.uploadDirect(ctx, est, onProgress)
	} else {
		err = s.uploadChunked(ctx, total, est, onProgress)
	}
	if err != nil {
		if s.canceled.Load() {
			return nil, ErrCanceled
		}
		return nil, err
	}

	url, err := s.store.PublicURL(ctx, s.target)
	if err != nil {
		return nil, fmt.Errorf("resolve public url: %w", err)
	}
	return &Result{
		Path:        s.target,
		URL:         url,
		Size:        size,
		ContentType: s.src.ContentType(),
	}, nil
}

// uploadDirect bypasses the chunking path for files that fit in one chunk.
func (s *Session) uploadDirect(ctx context.Context, est *speedEstimator, onProgress ProgressFunc) error {
	size := s.src.Size()
	err := retry.Do(ctx, s.cfg.Retry, blob.IsTransient, func() error {
		return s.putRange(ctx, s.target, 0, size)
	})
	if err != nil {
		return fmt.Errorf("direct upload: %w", err)
	}
	p := est.add(size)
	s.mu.Lock()
	s.snapshot.Percent = 100
	s.snapshot.CompletedChunks = 1
	s.mu.Unlock()
	if onProgress != nil {
		onProgress(p)
	}
	return nil
}

func (s *Session) uploadChunked(ctx context.Context, total int, est *speedEstimator, onProgress ProgressFunc) error {
	if err := s.runScheduler(ctx, total, est, onProgress); err != nil {
		return err
	}
	return s.finalize(ctx, total)
}

// finalize combines the part objects into the target object, then removes
// the parts best-effort. It is only reached once every chunk completed.
func (s *Session) finalize(ctx context.Context, total int) error {
	parts := make([]string, total)
	for i := range parts {
		parts[i] = PartKey(s.target, i)
	}
	err := retry.Do(ctx, s.cfg.Retry, blob.IsTransient, func() error {
		return s.store.Compose(ctx, s.target, parts)
	})
	if err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	if err := s.store.Remove(ctx, parts...); err != nil {
		s.cfg.Logger.Warn().Err(err).Str("target", s.target).Msg("chunk cleanup failed")
	}
	return nil
}

// Pause stops new chunk dispatch. In-flight chunk uploads run to completion.
// Calling Pause on an already paused session is a no-op.
func (s *Session) Pause() {
	s.gate.pause()
	s.mu.Lock()
	s.snapshot.Paused = true
	s.mu.Unlock()
}

// Resume lifts a pause. Resuming a session that is not paused is a no-op.
func (s *Session) Resume() {
	s.gate.resume()
	s.mu.Lock()
	s.snapshot.Paused = false
	s.mu.Unlock()
}

// Cancel signals cancellation. In-flight work fails fast; the session
// resolves as ErrCanceled. Chunk objects already stored are cleaned up
// best-effort by the caller, never by Cancel itself.
func (s *Session) Cancel() {
	s.canceled.Store(true)
	s.cancelMu.Lock()
	cancel := s.cancelFn
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	// a paused session must observe the cancel too
	s.gate.resume()
}

// Canceled reports whether Cancel was called.
func (s *Session) Canceled() bool {
	return s.canceled.Load()
}

// Status returns a snapshot without blocking the scheduler.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Session) setInProgress(v bool) {
	s.mu.Lock()
	s.snapshot.InProgress = v
	s.mu.Unlock()
}

func (s *Session) putRange(ctx context.Context, key string, off, length int64) error {
	r := io.NewSectionReader(s.src, off, length)
	return s.store.Put(ctx, key, r, length, s.src.ContentType())
}

func totalChunks(size, chunkSize int64) int {
	if size <= 0 {
		return 1
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n)
}

// pauseGate is a resettable latch the dispatch loop consults before handing
// out new work.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	opened chan struct{}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.opened = make(chan struct{})
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.opened)
}

func (g *pauseGate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// wait blocks until the gate is open or the context is done.
func (g *pauseGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return ctx.Err()
	}
	ch := g.opened
	g.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
