// Package processing runs the serialized AI pipeline queue. At most one task
// is ever processing system-wide; everything else waits in strict FIFO order
// regardless of user. The single lane is deliberate backpressure for
// rate- and cost-sensitive downstream AI calls.
package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/model"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/repository"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("processing task not found")
	// ErrTaskActive rejects cancellation of the currently running task.
	ErrTaskActive = errors.New("task already processing")
)

// Queue is the single-lane processing queue. The dequeue loop blocks on an
// edge-triggered kick (fired on enqueue) with a periodic tick as a safety
// net, so progress never depends on the timer alone.
type Queue struct {
	pipe     pipeline.Pipeline
	projects repository.ProjectStore
	tick     time.Duration
	logger   zerolog.Logger

	// OnTaskDone, when set before Start, is invoked with a snapshot of every
	// task that reaches a terminal state. Upstream bookkeeping hangs off it.
	OnTaskDone func(task *model.ProcessingTask)

	mu      sync.Mutex
	tasks   map[string]*model.ProcessingTask
	pending []string // task ids, FIFO
	active  string

	kick chan struct{}
	done chan struct{}
}

// NewQueue constructs a stopped queue; call Start to begin draining.
func NewQueue(pipe pipeline.Pipeline, projects repository.ProjectStore, tick time.Duration, logger zerolog.Logger) *Queue {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Queue{
		pipe:     pipe,
		projects: projects,
		tick:     tick,
		logger:   logger,
		tasks:    make(map[string]*model.ProcessingTask),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the dequeue loop. It returns immediately.
func (q *Queue) Start(ctx context.Context) {
	go q.loop(ctx)
}

// Wait blocks until the dequeue loop has exited after context cancellation.
func (q *Queue) Wait() {
	<-q.done
}

// Add enqueues a processing task for the project and returns its handle.
func (q *Queue) Add(projectID, userID string, opts model.ProcessingOptions) *model.ProcessingTask {
	task := &model.ProcessingTask{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Status:    model.ProcessingPending,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
	q.mu.Lock()
	q.tasks[task.ID] = task
	q.pending = append(q.pending, task.ID)
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default: // a kick is already pending
	}
	out := *task
	return &out
}

// Get returns a snapshot of the task.
func (q *Queue) Get(id string) (*model.ProcessingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	out := *task
	return &out, true
}

// TasksForUser returns snapshots of all tasks owned by the user.
func (q *Queue) TasksForUser(userID string) []*model.ProcessingTask {
	return q.collect(func(t *model.ProcessingTask) bool { return t.UserID == userID })
}

// TasksForProject returns snapshots of all tasks for the project.
func (q *Queue) TasksForProject(projectID string) []*model.ProcessingTask {
	return q.collect(func(t *model.ProcessingTask) bool { return t.ProjectID == projectID })
}

func (q *Queue) collect(keep func(*model.ProcessingTask) bool) []*model.ProcessingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.ProcessingTask
	for _, t := range q.tasks {
		if keep(t) {
			c := *t
			out = append(out, &c)
		}
	}
	return out
}

// Cancel removes a task that has not started yet. Canceling the active task
// is rejected.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrTaskNotFound
	}
	if q.active == id || task.Status != model.ProcessingPending {
		q.mu.Unlock()
		return ErrTaskActive
	}
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	task.Status = model.ProcessingError
	task.Error = "canceled before processing"
	task.CompletedAt = time.Now().UTC()
	snapshot := *task
	q.mu.Unlock()

	q.notifyDone(&snapshot)
	return nil
}

func (q *Queue) notifyDone(task *model.ProcessingTask) {
	if q.OnTaskDone != nil {
		q.OnTaskDone(task)
	}
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		case <-ticker.C:
		}
		q.drain(ctx)
	}
}

// drain runs pending tasks back to back until the queue is empty. Running on
// the loop goroutine is what enforces the single-active-task invariant: the
// dequeue-and-run sequence is never concurrent with itself.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		task := q.dequeue()
		if task == nil {
			return
		}
		q.run(ctx, task)
	}
}

func (q *Queue) dequeue() *model.ProcessingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	task := q.tasks[id]
	task.Status = model.ProcessingActive
	task.StartedAt = time.Now().UTC()
	task.Progress = 0
	q.active = id
	return task
}

func (q *Queue) run(ctx context.Context, task *model.ProcessingTask) {
	logger := q.logger.With().Str("task_id", task.ID).Str("project_id", task.ProjectID).Logger()
	if err := q.projects.UpdateStatus(ctx, task.ProjectID, repository.StatusProcessing, 0, ""); err != nil {
		logger.Warn().Err(err).Msg("sync project to processing failed")
	}

	videoURL := ""
	if project, err := q.projects.Get(ctx, task.ProjectID); err == nil {
		videoURL = project.VideoURL
	}

	onStage := func(stage string, percent float64) {
		q.mu.Lock()
		task.Stage = stage
		task.Progress = percent
		q.mu.Unlock()
	}

	_, err := q.pipe.ProcessVideo(ctx, videoURL, task.Options, onStage)

	q.mu.Lock()
	now := time.Now().UTC()
	task.CompletedAt = now
	if err != nil {
		task.Status = model.ProcessingError
		task.Error = err.Error()
	} else {
		task.Status = model.ProcessingCompleted
		task.Progress = 100
	}
	q.active = ""
	snapshot := *task
	q.mu.Unlock()

	q.notifyDone(&snapshot)

	if err != nil {
		logger.Error().Err(err).Msg("pipeline failed")
		if uerr := q.projects.UpdateStatus(ctx, task.ProjectID, repository.StatusError, 0, err.Error()); uerr != nil {
			logger.Warn().Err(uerr).Msg("sync project to error failed")
		}
		return
	}
	logger.Info().Msg("pipeline completed")
	if uerr := q.projects.UpdateStatus(ctx, task.ProjectID, repository.StatusReady, 100, ""); uerr != nil {
		logger.Warn().Err(uerr).Msg("sync project to ready failed")
	}
}
