package transfer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle controls one background transfer job.
type Handle struct {
	jobKey     string
	bytesTotal int64
	bytesDone  int64

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	err    error
}

func newHandle(jobKey string, bytesTotal int64, cancel context.CancelFunc) *Handle {
	return &Handle{
		jobKey:     jobKey,
		bytesTotal: bytesTotal,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusPlanned,
	}
}

// JobKey identifies this job's persisted state.
func (h *Handle) JobKey() string {
	return h.jobKey
}

// Progress returns the current byte counts. Safe to poll from any goroutine.
func (h *Handle) Progress() Progress {
	return Progress{
		BytesDone:  atomic.LoadInt64(&h.bytesDone),
		BytesTotal: h.bytesTotal,
	}
}

// Status returns the job's current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Cancel requests cooperative cancellation. In-flight chunks stop at their
// next network checkpoint; completed chunks stay recorded so the job can
// resume later. Calling Cancel on a finished job is a no-op.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until the job reaches a terminal state and returns it together
// with the job error, if any.
func (h *Handle) Wait() (Status, error) {
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

// Done returns a channel closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) addBytes(n int64) {
	atomic.AddInt64(&h.bytesDone, n)
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return
	}
	h.status = s
}

func (h *Handle) finish(s Status, err error) {
	h.mu.Lock()
	if !h.status.Terminal() {
		h.status = s
		h.err = err
	}
	h.mu.Unlock()
	// The run context is not needed past this point. Releasing it here
	// keeps finished jobs from pinning their parent context's resources.
	h.cancel()
	close(h.done)
}
