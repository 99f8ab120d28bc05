package state

import (
	"errors"
	"sync"
	"testing"

	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(t *testing.T, totalSize, chunkSize int64) []chunkplan.Chunk {
	t.Helper()
	plan, err := chunkplan.Plan(totalSize, chunkplan.Policy{
		ChunkSize:    chunkSize,
		MinChunkSize: 1,
		MaxChunkSize: 1 << 40,
	})
	require.NoError(t, err)
	return plan
}

func TestTracker_MarkComplete_Idempotent(t *testing.T) {
	tracker := NewTracker(testPlan(t, 30, 10), 10)

	require.NoError(t, tracker.MarkComplete(1, "sum-1"))
	require.NoError(t, tracker.MarkComplete(1, "sum-1"))

	assert.Equal(t, 1, tracker.CompletedCount())
	assert.True(t, tracker.IsComplete(1))
	assert.False(t, tracker.IsComplete(0))
}

func TestTracker_MarkComplete_ChecksumConflict(t *testing.T) {
	tracker := NewTracker(testPlan(t, 30, 10), 10)

	require.NoError(t, tracker.MarkComplete(1, "sum-1"))
	err := tracker.MarkComplete(1, "different")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistent))
}

func TestTracker_MarkComplete_OutOfRange(t *testing.T) {
	tracker := NewTracker(testPlan(t, 30, 10), 10)

	assert.Error(t, tracker.MarkComplete(3, "sum"))
	assert.Error(t, tracker.MarkComplete(-1, "sum"))
}

func TestTracker_Pending(t *testing.T) {
	tracker := NewTracker(testPlan(t, 50, 10), 10)

	require.NoError(t, tracker.MarkComplete(0, "sum-0"))
	require.NoError(t, tracker.MarkComplete(3, "sum-3"))

	pending := tracker.Pending()
	indices := make([]int, 0, len(pending))
	for _, c := range pending {
		indices = append(indices, c.Index)
	}
	assert.Equal(t, []int{1, 2, 4}, indices)
}

func TestTracker_BytesDone(t *testing.T) {
	tracker := NewTracker(testPlan(t, 25, 10), 10)

	require.NoError(t, tracker.MarkComplete(0, "sum-0"))
	assert.Equal(t, int64(10), tracker.BytesDone())

	require.NoError(t, tracker.MarkComplete(2, "sum-2"))
	assert.Equal(t, int64(15), tracker.BytesDone())
}

func TestTracker_ChunkChecksums(t *testing.T) {
	tracker := NewTracker(testPlan(t, 30, 10), 10)

	_, complete := tracker.ChunkChecksums()
	assert.False(t, complete)

	require.NoError(t, tracker.MarkComplete(0, "sum-0"))
	require.NoError(t, tracker.MarkComplete(1, "sum-1"))
	require.NoError(t, tracker.MarkComplete(2, "sum-2"))

	sums, complete := tracker.ChunkChecksums()
	require.True(t, complete)
	assert.Equal(t, []string{"sum-0", "sum-1", "sum-2"}, sums)
}

func TestTracker_SnapshotRestore(t *testing.T) {
	plan := testPlan(t, 50, 10)

	tracker := NewTracker(plan, 10)
	tracker.RecordAttempt(1)
	require.NoError(t, tracker.MarkComplete(1, "sum-1"))
	require.NoError(t, tracker.MarkComplete(4, "sum-4"))

	snapshot := tracker.Snapshot("job-1", "session-token")
	assert.Equal(t, "job-1", snapshot.JobKey)
	assert.Equal(t, "session-token", snapshot.SessionToken)
	assert.Equal(t, int64(50), snapshot.TotalSize)
	assert.Equal(t, int64(10), snapshot.ChunkSize)
	require.Len(t, snapshot.Completed, 2)

	restored := NewTracker(plan, 10)
	require.NoError(t, restored.Restore(snapshot))

	pending := restored.Pending()
	indices := make([]int, 0, len(pending))
	for _, c := range pending {
		indices = append(indices, c.Index)
	}
	assert.Equal(t, []int{0, 2, 3}, indices, "pending must be the exact complement of the completed set")
}

func TestTracker_SnapshotKeepsChunkSizeForShortPlans(t *testing.T) {
	// A file shorter than the chunk size yields a single chunk of the file
	// size. The snapshot must still carry the configured chunk size, or a
	// resuming run would reject its own snapshot.
	tracker := NewTracker(testPlan(t, 3, 10), 10)
	require.NoError(t, tracker.MarkComplete(0, "sum-0"))

	snapshot := tracker.Snapshot("job-short", "token")
	assert.Equal(t, int64(3), snapshot.TotalSize)
	assert.Equal(t, int64(10), snapshot.ChunkSize)
}

func TestTracker_Restore_RejectsForeignChunks(t *testing.T) {
	tracker := NewTracker(testPlan(t, 30, 10), 10)

	err := tracker.Restore(Snapshot{
		JobKey:    "job-1",
		Completed: []ChunkRecord{{Index: 7, Checksum: "sum"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistent))
}

func TestTracker_Restore_FailureLeavesTrackerUntouched(t *testing.T) {
	tracker := NewTracker(testPlan(t, 50, 10), 10)

	err := tracker.Restore(Snapshot{
		JobKey: "job-1",
		Completed: []ChunkRecord{
			{Index: 0, Checksum: "sum-0"},
			{Index: 99, Checksum: "sum-99"},
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistent))

	// No record from the bad snapshot may stick, or the valid-looking
	// chunks would never be transferred into the fresh session.
	assert.False(t, tracker.IsComplete(0))
	assert.Equal(t, 0, tracker.CompletedCount())
	assert.Len(t, tracker.Pending(), 5)
}

func TestTracker_ConcurrentMarkComplete(t *testing.T) {
	plan := testPlan(t, 1000, 10)
	tracker := NewTracker(plan, 10)

	var wg sync.WaitGroup
	for _, c := range plan {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := tracker.MarkComplete(index, "sum"); err != nil {
				t.Errorf("mark chunk %d: %v", index, err)
			}
		}(c.Index)
	}
	wg.Wait()

	assert.Equal(t, len(plan), tracker.CompletedCount())
	assert.Empty(t, tracker.Pending())
}

func TestStore_RoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	tracker := NewTracker(testPlan(t, 30, 10), 10)
	require.NoError(t, tracker.MarkComplete(0, "sum-0"))
	snapshot := tracker.Snapshot("job-rt", "token-1")

	require.NoError(t, store.Save(snapshot))

	loaded, err := store.Load("job-rt")
	require.NoError(t, err)
	assert.Equal(t, snapshot, loaded)
}

func TestStore_LoadMissing(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Load("no-such-job")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Remove(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Save(Snapshot{JobKey: "job-rm", TotalSize: 1, ChunkSize: 1}))
	require.NoError(t, store.Remove("job-rm"))

	_, err := store.Load("job-rm")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Removing again is not an error.
	assert.NoError(t, store.Remove("job-rm"))
}
