package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Honglongwu/dx-toolkit/transfer/network"
	"github.com/Honglongwu/dx-toolkit/transfer/state"
)

const testMiB = 1024 * 1024

func newTestEngine(t *testing.T, backend *fakeBackend) (*Engine, Config) {
	t.Helper()
	cfg := Config{
		ChunkSize:   10 * testMiB,
		Parallelism: 2,
		MaxRetries:  3,
		StateDir:    t.TempDir(),
	}
	engine := NewEngine(backend, backend, network.StaticToken("test-token"), fakeEnvRepo{}, log.NewLogger())
	return engine, cfg
}

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ byte(i>>13)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, data
}

func TestUpload_MultiChunkWithTransientFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.transientPutFailures[1] = 1
	engine, cfg := newTestEngine(t, backend)

	path, data := writeTestFile(t, 25*testMiB)

	handle, err := engine.StartUpload(context.Background(), UploadInput{Path: path, Locator: "file-001"}, cfg)
	require.NoError(t, err)

	status, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	obj := backend.object("file-001")
	require.NotNil(t, obj)
	assert.Equal(t, data, obj.data)
	assert.Len(t, obj.chunkSums, 3)

	// 3 chunks plus the one retried attempt.
	assert.Equal(t, 4, backend.putCalls)
	assert.Equal(t, 1, backend.openCalls)
	assert.Equal(t, 1, backend.closeCalls)

	progress := handle.Progress()
	assert.Equal(t, int64(25*testMiB), progress.BytesDone)
	assert.InDelta(t, 1.0, progress.Fraction(), 0.001)

	entries, err := os.ReadDir(cfg.StateDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "snapshot should be removed after completion")
}

func TestUpload_EmptyFile(t *testing.T) {
	backend := newFakeBackend()
	engine, cfg := newTestEngine(t, backend)

	path, _ := writeTestFile(t, 0)

	handle, err := engine.StartUpload(context.Background(), UploadInput{Path: path, Locator: "file-empty"}, cfg)
	require.NoError(t, err)

	status, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	obj := backend.object("file-empty")
	require.NotNil(t, obj)
	assert.Empty(t, obj.data)
	assert.Len(t, obj.chunkSums, 1)
	assert.Equal(t, 1, backend.putCalls)
}

func TestUpload_MissingFile(t *testing.T) {
	backend := newFakeBackend()
	engine, cfg := newTestEngine(t, backend)

	_, err := engine.StartUpload(context.Background(), UploadInput{Path: "/no/such/file", Locator: "file-x"}, cfg)
	require.Error(t, err)
	assert.Equal(t, 0, backend.openCalls)
}

func TestUpload_FatalFailurePreservesState(t *testing.T) {
	backend := newFakeBackend()
	backend.fatalPutFailures[2] = true
	engine, cfg := newTestEngine(t, backend)

	path, _ := writeTestFile(t, 25*testMiB)

	handle, err := engine.StartUpload(context.Background(), UploadInput{Path: path, Locator: "file-002"}, cfg)
	require.NoError(t, err)

	status, err := handle.Wait()
	assert.Equal(t, StatusFailed, status)
	require.Error(t, err)

	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 2, chunkErr.Index)

	assert.Equal(t, 0, backend.closeCalls)
	assert.Len(t, backend.sessions, 1, "session should stay open for resumption")

	entries, readErr := os.ReadDir(cfg.StateDir)
	require.NoError(t, readErr)
	assert.NotEmpty(t, entries, "snapshot should survive a failed run")
}

func TestUpload_ResumeAfterFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.fatalPutFailures[2] = true
	engine, cfg := newTestEngine(t, backend)

	path, data := writeTestFile(t, 25*testMiB)
	input := UploadInput{Path: path, Locator: "file-003"}

	handle, err := engine.StartUpload(context.Background(), input, cfg)
	require.NoError(t, err)
	status, _ := handle.Wait()
	require.Equal(t, StatusFailed, status)

	backend.fatalPutFailures = map[int]bool{}

	handle, err = engine.StartUpload(context.Background(), input, cfg)
	require.NoError(t, err)
	status, err = handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	assert.Equal(t, 1, backend.openCalls, "resumed run should reuse the open session")

	obj := backend.object("file-003")
	require.NotNil(t, obj)
	assert.Equal(t, data, obj.data)
}

func TestUpload_ResumeSingleChunkAfterCommitFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.transientCloseFailures = 1
	engine, cfg := newTestEngine(t, backend)

	// Smaller than the chunk size, so the plan is a single short chunk.
	path, data := writeTestFile(t, 1*testMiB)
	input := UploadInput{Path: path, Locator: "file-006"}

	handle, err := engine.StartUpload(context.Background(), input, cfg)
	require.NoError(t, err)
	status, _ := handle.Wait()
	require.Equal(t, StatusFailed, status)
	require.Equal(t, 1, backend.putCalls)

	handle, err = engine.StartUpload(context.Background(), input, cfg)
	require.NoError(t, err)
	status, err = handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	assert.Equal(t, 1, backend.openCalls, "resumed run should reuse the open session")
	assert.Equal(t, 1, backend.putCalls, "the verified chunk must not be re-transferred")
	assert.Equal(t, 2, backend.closeCalls)

	obj := backend.object("file-006")
	require.NotNil(t, obj)
	assert.Equal(t, data, obj.data)
}

func TestUpload_CancelKeepsCompletedChunks(t *testing.T) {
	backend := newFakeBackend()
	backend.putGate = func(ctx context.Context, index int) error {
		if index < 2 {
			return nil
		}
		<-ctx.Done()
		return &network.TransportError{Kind: network.KindCancelled, Err: ctx.Err()}
	}
	engine, cfg := newTestEngine(t, backend)
	cfg.ChunkSize = 5 * testMiB
	cfg.Parallelism = 1

	path, _ := writeTestFile(t, 25*testMiB)
	input := UploadInput{Path: path, Locator: "file-004"}

	handle, err := engine.StartUpload(context.Background(), input, cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return handle.Progress().BytesDone == int64(10*testMiB)
	}, 10*time.Second, 10*time.Millisecond)

	handle.Cancel()

	status, err := handle.Wait()
	assert.Equal(t, StatusCancelled, status)
	require.Error(t, err)

	snap, err := state.NewStore(cfg.StateDir).Load(handle.JobKey())
	require.NoError(t, err)
	assert.Len(t, snap.Completed, 2)
	assert.NotEmpty(t, snap.SessionToken)
}

func TestUpload_Abandon(t *testing.T) {
	backend := newFakeBackend()
	backend.fatalPutFailures[1] = true
	engine, cfg := newTestEngine(t, backend)

	path, _ := writeTestFile(t, 25*testMiB)
	input := UploadInput{Path: path, Locator: "file-005"}

	handle, err := engine.StartUpload(context.Background(), input, cfg)
	require.NoError(t, err)
	status, _ := handle.Wait()
	require.Equal(t, StatusFailed, status)

	require.NoError(t, engine.AbandonUpload(context.Background(), input, cfg))
	assert.Equal(t, 1, backend.abortCalls)
	assert.Empty(t, backend.sessions)

	_, err = state.NewStore(cfg.StateDir).Load(handle.JobKey())
	assert.True(t, errors.Is(err, state.ErrNotFound))

	// A second abandon has nothing to do.
	require.NoError(t, engine.AbandonUpload(context.Background(), input, cfg))
	assert.Equal(t, 1, backend.abortCalls)
}
