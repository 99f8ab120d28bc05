// Package state tracks per-chunk completion for an in-flight transfer and
// persists it so an interrupted job can resume without re-transferring
// verified chunks.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
)

// ErrInconsistent reports that a chunk was marked complete twice with
// different checksums. This is never recoverable: the persisted state no
// longer describes the bytes that were transferred.
var ErrInconsistent = errors.New("inconsistent transfer state")

// ChunkRecord is the completion record for a single chunk.
type ChunkRecord struct {
	Index       int       `json:"index"`
	Checksum    string    `json:"checksum"`
	Attempts    int       `json:"attempts,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Snapshot is the persisted, resumable state of one transfer job. It
// round-trips losslessly through the Store.
type Snapshot struct {
	JobKey       string        `json:"job_key"`
	SessionToken string        `json:"session_token,omitempty"`
	TotalSize    int64         `json:"total_size_bytes"`
	ChunkSize    int64         `json:"chunk_size_bytes"`
	Completed    []ChunkRecord `json:"completed_chunks"`
}

// Tracker records chunk completion for one transfer job. Safe for concurrent
// use by the transfer workers; updates are short so a single mutex guards the
// completed set.
type Tracker struct {
	mu        sync.Mutex
	plan      []chunkplan.Chunk
	totalSize int64
	chunkSize int64
	records   map[int]ChunkRecord
	attempts  map[int]int
}

// NewTracker creates a tracker over the given chunk plan with no chunk
// completed yet. chunkSize is the effective chunk size the plan was built
// with; it is carried into snapshots so a resuming run can tell whether its
// plan matches. The last chunk of a plan is usually shorter, so the size
// cannot be recovered from the chunks themselves.
func NewTracker(plan []chunkplan.Chunk, chunkSize int64) *Tracker {
	var totalSize int64
	if n := len(plan); n > 0 {
		totalSize = plan[n-1].End
	}
	return &Tracker{
		plan:      plan,
		totalSize: totalSize,
		chunkSize: chunkSize,
		records:   make(map[int]ChunkRecord, len(plan)),
		attempts:  make(map[int]int),
	}
}

// RecordAttempt increments the attempt counter for a chunk. Called before
// each transfer attempt so a later failure can report how many were made.
func (t *Tracker) RecordAttempt(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[index]++
}

// Attempts returns the number of transfer attempts recorded for a chunk.
func (t *Tracker) Attempts(index int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts[index]
}

// MarkComplete records a chunk as transferred and verified. Calling it again
// for the same index with a matching checksum is a no-op; a different
// checksum means the persisted state and the transferred bytes disagree,
// which is fatal.
func (t *Tracker) MarkComplete(index int, sum string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.plan) {
		return fmt.Errorf("chunk index %d out of range [0, %d)", index, len(t.plan))
	}

	if existing, ok := t.records[index]; ok {
		if existing.Checksum != sum {
			return fmt.Errorf("%w: chunk %d already complete with checksum %s, got %s",
				ErrInconsistent, index, existing.Checksum, sum)
		}
		return nil
	}

	t.records[index] = ChunkRecord{
		Index:       index,
		Checksum:    sum,
		Attempts:    t.attempts[index],
		CompletedAt: time.Now().UTC(),
	}
	return nil
}

// IsComplete reports whether the chunk at index is complete and verified.
func (t *Tracker) IsComplete(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.records[index]
	return ok
}

// Pending returns the chunks not yet completed, in index order.
func (t *Tracker) Pending() []chunkplan.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pending []chunkplan.Chunk
	for _, c := range t.plan {
		if _, ok := t.records[c.Index]; !ok {
			pending = append(pending, c)
		}
	}
	return pending
}

// CompletedCount returns the number of completed chunks.
func (t *Tracker) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// BytesDone returns the byte total of all completed chunks.
func (t *Tracker) BytesDone() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var done int64
	for _, c := range t.plan {
		if _, ok := t.records[c.Index]; ok {
			done += c.Size()
		}
	}
	return done
}

// ChunkChecksums returns the recorded checksums in index order. The second
// return value is false until every chunk is complete.
func (t *Tracker) ChunkChecksums() ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sums := make([]string, 0, len(t.plan))
	for _, c := range t.plan {
		record, ok := t.records[c.Index]
		if !ok {
			return nil, false
		}
		sums = append(sums, record.Checksum)
	}
	return sums, true
}

// Snapshot captures the current state for persistence. The completed set is
// sorted by index so snapshots are deterministic.
func (t *Tracker) Snapshot(jobKey, sessionToken string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	completed := make([]ChunkRecord, 0, len(t.records))
	for _, record := range t.records {
		completed = append(completed, record)
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].Index < completed[j].Index })

	return Snapshot{
		JobKey:       jobKey,
		SessionToken: sessionToken,
		TotalSize:    t.totalSize,
		ChunkSize:    t.chunkSize,
		Completed:    completed,
	}
}

// Restore loads a previously persisted snapshot into the tracker. After
// restoring, Pending returns exactly the complement of the snapshot's
// completed set against the current plan. The whole snapshot is validated
// before any record is committed; a failed Restore leaves the tracker
// untouched so the caller can safely fall back to a fresh transfer.
func (t *Tracker) Restore(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, record := range s.Completed {
		if record.Index < 0 || record.Index >= len(t.plan) {
			return fmt.Errorf("%w: snapshot contains chunk %d outside plan of %d chunks",
				ErrInconsistent, record.Index, len(t.plan))
		}
		if record.Checksum == "" {
			return fmt.Errorf("%w: snapshot chunk %d has no checksum", ErrInconsistent, record.Index)
		}
	}
	for _, record := range s.Completed {
		t.records[record.Index] = record
	}
	return nil
}
