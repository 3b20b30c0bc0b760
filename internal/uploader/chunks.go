package uploader

// chunkStatus tracks the lifecycle of one chunk index.
type chunkStatus uint8

const (
	chunkPending chunkStatus = iota
	chunkActive
	chunkCompleted
	chunkFailed
)

// chunkTable is the bookkeeping for every chunk of one session. It is owned
// exclusively by the session's dispatch loop; workers never touch it, they
// report results back over a channel instead.
type chunkTable struct {
	total      int
	maxRetries int

	status  []chunkStatus
	retries []int

	cursor     int   // next never-attempted index
	retryQueue []int // failed indices awaiting another attempt, FIFO

	active    int
	completed int
	permanent int // permanently failed
}

func newChunkTable(total, maxRetries int) *chunkTable {
	return &chunkTable{
		total:      total,
		maxRetries: maxRetries,
		status:     make([]chunkStatus, total),
		retries:    make([]int, total),
	}
}

// next returns the index to dispatch. Failed chunks are retried before fresh
// ones are started so recovery is prioritized over new in-flight work.
func (t *chunkTable) next() (int, bool) {
	if len(t.retryQueue) > 0 {
		idx := t.retryQueue[0]
		t.retryQueue = t.retryQueue[1:]
		return idx, true
	}
	if t.cursor < t.total {
		idx := t.cursor
		t.cursor++
		return idx, true
	}
	return 0, false
}

func (t *chunkTable) markActive(i int) {
	t.status[i] = chunkActive
	t.active++
}

func (t *chunkTable) complete(i int) {
	t.status[i] = chunkCompleted
	t.active--
	t.completed++
}

// fail records a transient failure for index i. It returns true when the
// chunk is queued for another attempt, false when retries are exhausted and
// the chunk is permanently failed.
func (t *chunkTable) fail(i int) bool {
	t.active--
	t.retries[i]++
	t.status[i] = chunkFailed
	if t.retries[i] >= t.maxRetries {
		t.permanent++
		return false
	}
	t.retryQueue = append(t.retryQueue, i)
	return true
}

// failPermanent marks index i terminally failed with no further retries,
// used for fatal errors.
func (t *chunkTable) failPermanent(i int) {
	t.active--
	t.status[i] = chunkFailed
	t.permanent++
}

// attempts returns how many times index i has failed so far; the next
// dispatch of i is retry attempt attempts(i).
func (t *chunkTable) attempts(i int) int {
	return t.retries[i]
}

func (t *chunkTable) allCompleted() bool {
	return t.completed == t.total
}

// dispatchable reports whether any index remains to hand out.
func (t *chunkTable) dispatchable() bool {
	return len(t.retryQueue) > 0 || t.cursor < t.total
}

func (t *chunkTable) hasPermanentFailure() bool {
	return t.permanent > 0
}

// counts returns active, completed, and failed chunk counts. Failed covers
// both permanently failed chunks and ones awaiting a retry.
func (t *chunkTable) counts() (active, completed, failed int) {
	failed = t.permanent + len(t.retryQueue)
	return t.active, t.completed, failed
}
