package uploader

import (
	"time"
)

// Progress is reported to the caller after each completed chunk.
type Progress struct {
	Loaded    int64         `json:"loaded"`
	Total     int64         `json:"total"`
	Percent   float64       `json:"percent"`
	Speed     float64       `json:"speed"` // bytes per second
	Remaining time.Duration `json:"remaining"`
}

// ProgressFunc receives progress snapshots. Callbacks run on the session's
// dispatch goroutine and must not block.
type ProgressFunc func(Progress)

const (
	speedWindow     = 500 * time.Millisecond
	speedMaxSamples = 5
)

// speedEstimator derives throughput from byte counters: bytes are
// accumulated into ~500ms windows and the speed is the mean of the last five
// window samples. ETA is remaining bytes over that mean, zero while no
// sample exists yet.
type speedEstimator struct {
	total int64

	loaded      int64
	windowStart time.Time
	windowBytes int64
	samples     []float64

	now func() time.Time
}

func newSpeedEstimator(total int64) *speedEstimator {
	e := &speedEstimator{
		total: total,
		now:   time.Now,
	}
	return e
}

// add records n freshly uploaded bytes and returns the updated snapshot.
func (e *speedEstimator) add(n int64) Progress {
	now := e.now()
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	e.loaded += n
	e.windowBytes += n
	if elapsed := now.Sub(e.windowStart); elapsed >= speedWindow {
		sample := float64(e.windowBytes) / elapsed.Seconds()
		e.samples = append(e.samples, sample)
		if len(e.samples) > speedMaxSamples {
			e.samples = e.samples[len(e.samples)-speedMaxSamples:]
		}
		e.windowStart = now
		e.windowBytes = 0
	}
	return e.snapshot()
}

func (e *speedEstimator) snapshot() Progress {
	p := Progress{
		Loaded: e.loaded,
		Total:  e.total,
		Speed:  e.speed(),
	}
	if e.total > 0 {
		p.Percent = float64(e.loaded) / float64(e.total) * 100
	}
	if p.Speed > 0 {
		remaining := e.total - e.loaded
		if remaining > 0 {
			p.Remaining = time.Duration(float64(remaining) / p.Speed * float64(time.Second))
		}
	}
	return p
}

func (e *speedEstimator) speed() float64 {
	if len(e.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range e.samples {
		sum += s
	}
	return sum / float64(len(e.samples))
}

func (e *speedEstimator) percent() float64 {
	if e.total == 0 {
		return 0
	}
	return float64(e.loaded) / float64(e.total) * 100
}
