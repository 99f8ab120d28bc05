// Package transfer moves files between the local machine and the platform's
// object store in verified chunks. Uploads and downloads run as background
// jobs controlled through a Handle; interrupted jobs leave a persisted
// snapshot behind and resume from it on the next start.
package transfer

import "fmt"

// Status is the lifecycle state of one transfer job.
type Status int

const (
	// StatusPlanned means the chunk plan exists but no chunk has been sent.
	StatusPlanned Status = iota
	// StatusInProgress means chunks are being transferred.
	StatusInProgress
	// StatusFinalizing means every chunk is done and the object is being
	// committed (or the downloaded file verified).
	StatusFinalizing
	// StatusComplete is the success terminal.
	StatusComplete
	// StatusFailed is the failure terminal. Persisted state is kept so a
	// later run can resume.
	StatusFailed
	// StatusCancelled is the terminal reached through Handle.Cancel.
	// Persisted state is kept.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPlanned:
		return "planned"
	case StatusInProgress:
		return "in progress"
	case StatusFinalizing:
		return "finalizing"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown status %d", int(s))
	}
}

// Terminal reports whether no further state change can happen.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Progress is a point-in-time view of transferred bytes. Completed chunk
// sizes only; in-flight partial chunks do not count.
type Progress struct {
	BytesDone  int64
	BytesTotal int64
}

// Fraction returns progress in [0, 1]. A zero-byte transfer reports 1 once
// its single chunk completes.
func (p Progress) Fraction() float64 {
	if p.BytesTotal == 0 {
		return 1
	}
	return float64(p.BytesDone) / float64(p.BytesTotal)
}

// ChunkError reports which chunk sank the job and after how many attempts.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index+1, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
