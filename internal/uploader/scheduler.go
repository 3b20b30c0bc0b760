package uploader

import (
	"context"
	"fmt"
	"sync"

	"github.com/clipforge/clipforge/internal/blob"
	"github.com/clipforge/clipforge/internal/retry"
)

// chunkJob is handed to a worker; attempt is 0 for the first try and the
// retry number afterwards.
type chunkJob struct {
	index   int
	attempt int
	off     int64
	length  int64
}

type chunkResult struct {
	index int
	n     int64
	err   error
}

// runScheduler drives all chunk uploads to completion or terminal failure.
// The dispatch loop is the sole owner of the chunk table; workers only ever
// see job values and report back over the results channel, so no chunk state
// is shared between goroutines.
func (s *Session) runScheduler(ctx context.Context, total int, est *speedEstimator, onProgress ProgressFunc) error {
	table := newChunkTable(total, s.cfg.Retry.MaxRetries)
	jobs := make(chan chunkJob)
	// buffered so a finishing worker never blocks once the loop has exited
	results := make(chan chunkResult, s.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go s.chunkWorker(ctx, jobs, results, &wg)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	lastErrs := make(map[int]error)
	inFlight := 0
	var fatal error

	for {
		// Hand out work while capacity remains. A paused or canceled session
		// withholds new dispatch only; in-flight chunks finish on their own.
		for fatal == nil && inFlight < s.cfg.Concurrency && !s.gate.isPaused() && ctx.Err() == nil {
			idx, ok := table.next()
			if !ok {
				break
			}
			table.markActive(idx)
			off, length := s.chunkRange(idx)
			jobs <- chunkJob{index: idx, attempt: table.attempts(idx), off: off, length: length}
			inFlight++
			s.publish(table, est)
		}

		if inFlight == 0 {
			switch {
			case fatal != nil:
				return fatal
			case table.allCompleted():
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case !table.dispatchable():
				// cursor exhausted, retry queue empty, chunks permanently
				// failed: the session is lost
				return s.permanentFailure(table, lastErrs)
			default:
				// paused with nothing in flight; block until resume or cancel
				if err := s.gate.wait(ctx); err != nil {
					return err
				}
				continue
			}
		}

		res := <-results
		inFlight--
		switch {
		case res.err == nil:
			table.complete(res.index)
			p := est.add(res.n)
			s.publish(table, est)
			if onProgress != nil {
				onProgress(p)
			}
		case blob.IsTransient(res.err):
			lastErrs[res.index] = res.err
			if !table.fail(res.index) {
				s.cfg.Logger.Warn().Int("chunk", res.index).Int("attempts", table.attempts(res.index)).
					Err(res.err).Msg("chunk permanently failed")
			}
			s.publish(table, est)
		default:
			// fatal: no retry, stop dispatching, let in-flight work drain
			lastErrs[res.index] = res.err
			table.failPermanent(res.index)
			fatal = res.err
			s.publish(table, est)
		}
	}
}

// chunkWorker performs one attempt per job. The backoff delay for a retry is
// slept here, on the worker, so it counts against the worker's slot rather
// than stalling the dispatch loop.
func (s *Session) chunkWorker(ctx context.Context, jobs <-chan chunkJob, results chan<- chunkResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range jobs {
		results <- chunkResult{index: job.index, n: job.length, err: s.attemptChunk(ctx, job)}
	}
}

func (s *Session) attemptChunk(ctx context.Context, job chunkJob) error {
	if job.attempt > 0 {
		if err := retry.Sleep(ctx, s.cfg.Retry.Delay(job.attempt)); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.putRange(ctx, PartKey(s.target, job.index), job.off, job.length)
}

func (s *Session) chunkRange(index int) (off, length int64) {
	off = int64(index) * s.cfg.ChunkSize
	length = s.cfg.ChunkSize
	if rest := s.src.Size() - off; rest < length {
		length = rest
	}
	return off, length
}

func (s *Session) permanentFailure(table *chunkTable, lastErrs map[int]error) error {
	for i := 0; i < table.total; i++ {
		if table.status[i] == chunkFailed {
			if err := lastErrs[i]; err != nil {
				return fmt.Errorf("chunk %d failed after %d attempts: %w", i, table.attempts(i), err)
			}
			return fmt.Errorf("chunk %d failed after %d attempts", i, table.attempts(i))
		}
	}
	return fmt.Errorf("upload failed")
}

// publish refreshes the status snapshot; only the dispatch loop calls it.
func (s *Session) publish(table *chunkTable, est *speedEstimator) {
	active, completed, failed := table.counts()
	s.mu.Lock()
	s.snapshot.Percent = est.percent()
	s.snapshot.ActiveChunks = active
	s.snapshot.CompletedChunks = completed
	s.snapshot.FailedChunks = failed
	s.mu.Unlock()
}
