package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/Honglongwu/dx-toolkit/transfer/checksum"
	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/Honglongwu/dx-toolkit/transfer/network"
	"github.com/Honglongwu/dx-toolkit/transfer/state"
	"github.com/Honglongwu/dx-toolkit/transfer/worker"
)

// UploadInput names what to upload and where it lands on the platform.
type UploadInput struct {
	// Path is the local file to upload.
	Path string
	// Locator is the remote object identity (file ID or bucket key,
	// depending on the backend).
	Locator string
}

// StartUpload plans and launches a chunked upload as a background job. When
// a matching snapshot exists and resume is enabled, only the missing chunks
// are sent. The returned Handle observes and cancels the job.
func (e *Engine) StartUpload(ctx context.Context, input UploadInput, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()

	info, err := os.Stat(input.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", input.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, only files can be uploaded", input.Path)
	}
	totalSize := info.Size()

	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunkplan.OptimalChunkSize(totalSize, cfg.Parallelism, chunkplan.Policy{})
	}
	policy := chunkplan.Policy{ChunkSize: cfg.ChunkSize}
	plan, err := chunkplan.Plan(totalSize, policy)
	if err != nil {
		return nil, fmt.Errorf("plan chunks: %w", err)
	}
	effectiveChunkSize := policy.EffectiveChunkSize(totalSize)

	key := jobKey("upload", input.Path, input.Locator, totalSize, effectiveChunkSize)
	store := state.NewStore(cfg.StateDir)
	tracker := state.NewTracker(plan, effectiveChunkSize)

	session, resumed := e.resumeUploadSession(ctx, cfg, store, tracker, key, input.Locator, totalSize, effectiveChunkSize)
	if !resumed {
		session, err = e.service.OpenUploadSession(ctx, input.Locator, totalSize, effectiveChunkSize, len(plan))
		if err != nil {
			return nil, fmt.Errorf("open upload session: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	handle := newHandle(key, totalSize, cancel)
	handle.addBytes(tracker.BytesDone())

	e.logger.Infof("Uploading %s (%s) in %d chunks of %s, parallelism %d",
		input.Path, units.BytesSize(float64(totalSize)), len(plan),
		units.BytesSize(float64(effectiveChunkSize)), cfg.Parallelism)

	go e.runUpload(runCtx, handle, input, cfg, session, plan, tracker, store, resumed)

	return handle, nil
}

// resumeUploadSession tries to pick up a persisted snapshot for this job.
// Any mismatch or load problem falls back to a fresh session.
func (e *Engine) resumeUploadSession(
	ctx context.Context,
	cfg Config,
	store *state.Store,
	tracker *state.Tracker,
	key, locator string,
	totalSize, chunkSize int64,
) (network.Session, bool) {
	if cfg.DisableResume {
		return network.Session{}, false
	}

	snap, err := store.Load(key)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			e.logger.Warnf("Ignoring unreadable transfer state: %s", err)
		}
		return network.Session{}, false
	}
	if snap.TotalSize != totalSize || snap.ChunkSize != chunkSize || snap.SessionToken == "" {
		return network.Session{}, false
	}
	if err := tracker.Restore(snap); err != nil {
		e.logger.Warnf("Persisted transfer state does not match this file, starting over: %s", err)
		return network.Session{}, false
	}

	e.logger.Infof("Resuming upload: %d of %d chunks already on the remote side",
		tracker.CompletedCount(), tracker.CompletedCount()+len(tracker.Pending()))

	return network.Session{Token: snap.SessionToken, Locator: locator, TotalSize: totalSize}, true
}

func (e *Engine) runUpload(
	ctx context.Context,
	handle *Handle,
	input UploadInput,
	cfg Config,
	session network.Session,
	plan []chunkplan.Chunk,
	tracker *state.Tracker,
	store *state.Store,
	resumed bool,
) {
	start := time.Now()
	handle.setStatus(StatusInProgress)

	file, err := os.Open(input.Path)
	if err != nil {
		handle.finish(StatusFailed, fmt.Errorf("open %s: %w", input.Path, err))
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			e.logger.Warnf("Failed to close %s: %s", input.Path, err)
		}
	}()

	r := e.newRetrier(cfg)
	stats := NewStats()
	pool := worker.NewPool(cfg.Parallelism, e.logger)

	var persistMu sync.Mutex
	persist := func() {
		persistMu.Lock()
		defer persistMu.Unlock()
		if err := store.Save(tracker.Snapshot(handle.jobKey, session.Token)); err != nil {
			e.logger.Warnf("Could not persist transfer state: %s", err)
		}
	}

	pending := tracker.Pending()
	tasks := make([]worker.Task, 0, len(pending))
	for _, chunk := range pending {
		chunk := chunk
		tasks = append(tasks, worker.Task{
			Index: chunk.Index,
			Run: func(taskCtx context.Context) error {
				data := make([]byte, chunk.Size())
				if chunk.Size() > 0 {
					if _, err := file.ReadAt(data, chunk.Start); err != nil {
						return fmt.Errorf("read chunk %d from %s: %w", chunk.Index+1, input.Path, err)
					}
				}
				localSum := checksum.Sum(data)

				desc := fmt.Sprintf("upload chunk %d/%d", chunk.Index+1, len(plan))
				err := e.transferChunk(taskCtx, r, cfg, stats, tracker, chunk, desc, func(opCtx context.Context) error {
					remoteSum, err := e.transport.PutChunk(opCtx, session, chunk, data)
					if err != nil {
						return err
					}
					if err := checksum.Verify(remoteSum, localSum); err != nil {
						return fmt.Errorf("chunk %d acknowledgement: %w", chunk.Index+1, err)
					}
					return nil
				})
				if err != nil {
					return err
				}

				if err := tracker.MarkComplete(chunk.Index, localSum); err != nil {
					return err
				}
				handle.addBytes(chunk.Size())
				persist()

				e.logger.Debugf("Chunk %d/%d uploaded [finished=%d] [avg=%v]",
					chunk.Index+1, len(plan), stats.FinishedCount(), stats.Average().Round(time.Second))
				return nil
			},
		})
	}

	if err := pool.Run(ctx, tasks); err != nil {
		e.finishInterrupted(ctx, handle, err)
		return
	}

	handle.setStatus(StatusFinalizing)

	sums, ok := tracker.ChunkChecksums()
	if !ok {
		handle.finish(StatusFailed, errors.New("not all chunks are accounted for"))
		return
	}
	whole, err := checksum.Whole(sums)
	if err != nil {
		handle.finish(StatusFailed, fmt.Errorf("combine chunk checksums: %w", err))
		return
	}

	if err := e.service.CloseObject(ctx, session, whole, sums); err != nil && !errors.Is(err, network.ErrAlreadyCommitted) {
		handle.finish(StatusFailed, fmt.Errorf("close object: %w", err))
		return
	}

	if err := store.Remove(handle.jobKey); err != nil {
		e.logger.Warnf("Could not remove transfer state: %s", err)
	}

	took := time.Since(start)
	e.tracker.logTransferFinished("upload", session.TotalSize, len(plan), took, resumed)
	e.logger.Donef("Uploaded %s in %s", units.BytesSize(float64(session.TotalSize)), took.Round(time.Second))

	handle.finish(StatusComplete, nil)
}

// AbandonUpload discards an interrupted upload for good: the remote session
// is aborted and the local snapshot removed. Without a snapshot this is a
// no-op.
func (e *Engine) AbandonUpload(ctx context.Context, input UploadInput, cfg Config) error {
	cfg = cfg.withDefaults()

	info, err := os.Stat(input.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", input.Path, err)
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunkplan.OptimalChunkSize(info.Size(), cfg.Parallelism, chunkplan.Policy{})
	}
	policy := chunkplan.Policy{ChunkSize: cfg.ChunkSize}
	effectiveChunkSize := policy.EffectiveChunkSize(info.Size())
	key := jobKey("upload", input.Path, input.Locator, info.Size(), effectiveChunkSize)

	store := state.NewStore(cfg.StateDir)
	snap, err := store.Load(key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if snap.SessionToken != "" {
		session := network.Session{Token: snap.SessionToken, Locator: input.Locator, TotalSize: snap.TotalSize}
		if err := e.service.AbortUploadSession(ctx, session); err != nil {
			return fmt.Errorf("abort upload session: %w", err)
		}
	}
	return store.Remove(key)
}
