package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/melbahja/got"

	"github.com/Honglongwu/dx-toolkit/transfer/checksum"
	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/Honglongwu/dx-toolkit/transfer/state"
	"github.com/Honglongwu/dx-toolkit/transfer/worker"
)

// DownloadInput names the remote object and its local destination.
type DownloadInput struct {
	Locator string
	Path    string
}

// StartDownload fetches the object's metadata and launches a chunked,
// verified download as a background job. Objects that are not
// range-addressable fall back to a single-pass download.
func (e *Engine) StartDownload(ctx context.Context, input DownloadInput, cfg Config) (*Handle, error) {
	cfg = cfg.withDefaults()

	meta, err := e.service.GetObjectMetadata(ctx, input.Locator)
	if err != nil {
		return nil, fmt.Errorf("get metadata for %s: %w", input.Locator, err)
	}

	if err := os.MkdirAll(filepath.Dir(input.Path), 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	if !meta.Rangeable {
		handle := newHandle(jobKey("download", input.Path, input.Locator, meta.SizeBytes, 0), meta.SizeBytes, cancel)
		go e.runWholeDownload(runCtx, handle, input, meta.SizeBytes, meta.DownloadURL, meta.WholeChecksum)
		return handle, nil
	}

	// The remote chunk grid is authoritative when the object has one: pin
	// the planner to the recorded chunk size so indices line up with the
	// per-chunk checksums. Objects without a recorded part layout (plain or
	// single-operation uploads) are still range-addressable, so plan a grid
	// of our own and let verification rest on the whole-object digest.
	chunkSize := meta.ChunkSizeBytes
	var policy chunkplan.Policy
	if chunkSize > 0 {
		policy = chunkplan.Policy{
			ChunkSize:     chunkSize,
			MinChunkSize:  chunkSize,
			MaxChunkSize:  chunkSize,
			MaxChunkCount: math.MaxInt32,
		}
	} else {
		if cfg.ChunkSize == 0 {
			cfg.ChunkSize = chunkplan.OptimalChunkSize(meta.SizeBytes, cfg.Parallelism, chunkplan.Policy{})
		}
		policy = chunkplan.Policy{ChunkSize: cfg.ChunkSize}
		chunkSize = policy.EffectiveChunkSize(meta.SizeBytes)
	}
	plan, err := chunkplan.Plan(meta.SizeBytes, policy)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("plan chunks: %w", err)
	}
	if len(meta.ChunkChecksums) > 0 {
		if len(meta.ChunkChecksums) != len(plan) {
			cancel()
			return nil, fmt.Errorf("object reports %d chunk checksums for %d chunks", len(meta.ChunkChecksums), len(plan))
		}
		for i := range plan {
			plan[i].Checksum = meta.ChunkChecksums[i]
		}
	}

	key := jobKey("download", input.Path, input.Locator, meta.SizeBytes, chunkSize)
	store := state.NewStore(cfg.StateDir)
	tracker := state.NewTracker(plan, chunkSize)

	resumed := e.resumeDownload(cfg, store, tracker, key, input.Path, meta.SizeBytes, chunkSize)

	handle := newHandle(key, meta.SizeBytes, cancel)
	handle.addBytes(tracker.BytesDone())

	e.logger.Infof("Downloading %s (%s) in %d chunks of %s, parallelism %d",
		input.Locator, units.BytesSize(float64(meta.SizeBytes)), len(plan),
		units.BytesSize(float64(chunkSize)), cfg.Parallelism)

	go e.runChunkedDownload(runCtx, handle, input, cfg, plan, tracker, store, meta.WholeChecksum, resumed)

	return handle, nil
}

// resumeDownload restores a matching snapshot, provided the partially
// written destination file is still there.
func (e *Engine) resumeDownload(
	cfg Config,
	store *state.Store,
	tracker *state.Tracker,
	key, destPath string,
	totalSize, chunkSize int64,
) bool {
	if cfg.DisableResume {
		return false
	}

	snap, err := store.Load(key)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			e.logger.Warnf("Ignoring unreadable transfer state: %s", err)
		}
		return false
	}
	if snap.TotalSize != totalSize || snap.ChunkSize != chunkSize {
		return false
	}
	if _, err := os.Stat(destPath); err != nil {
		// The snapshot describes bytes we no longer have.
		return false
	}
	if err := tracker.Restore(snap); err != nil {
		e.logger.Warnf("Persisted transfer state does not match this object, starting over: %s", err)
		return false
	}

	e.logger.Infof("Resuming download: %d of %d chunks already on disk",
		tracker.CompletedCount(), tracker.CompletedCount()+len(tracker.Pending()))
	return true
}

func (e *Engine) runChunkedDownload(
	ctx context.Context,
	handle *Handle,
	input DownloadInput,
	cfg Config,
	plan []chunkplan.Chunk,
	tracker *state.Tracker,
	store *state.Store,
	wholeChecksum string,
	resumed bool,
) {
	start := time.Now()
	handle.setStatus(StatusInProgress)

	file, err := os.OpenFile(input.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		handle.finish(StatusFailed, fmt.Errorf("open %s: %w", input.Path, err))
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			e.logger.Warnf("Failed to close %s: %s", input.Path, err)
		}
	}()

	// Preallocate so concurrent WriteAt calls never race on file growth.
	totalSize := handle.bytesTotal
	if err := file.Truncate(totalSize); err != nil {
		handle.finish(StatusFailed, fmt.Errorf("preallocate %s: %w", input.Path, err))
		return
	}

	r := e.newRetrier(cfg)
	stats := NewStats()
	pool := worker.NewPool(cfg.Parallelism, e.logger)

	var persistMu sync.Mutex
	persist := func() {
		persistMu.Lock()
		defer persistMu.Unlock()
		if err := store.Save(tracker.Snapshot(handle.jobKey, "")); err != nil {
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
				var data []byte

				desc := fmt.Sprintf("download chunk %d/%d", chunk.Index+1, len(plan))
				err := e.transferChunk(taskCtx, r, cfg, stats, tracker, chunk, desc, func(opCtx context.Context) error {
					var err error
					data, err = e.transport.GetChunk(opCtx, input.Locator, chunk)
					if err != nil {
						return err
					}
					if err := checksum.Verify(checksum.Sum(data), chunk.Checksum); err != nil {
						return fmt.Errorf("chunk %d content: %w", chunk.Index+1, err)
					}
					return nil
				})
				if err != nil {
					return err
				}

				if chunk.Size() > 0 {
					if _, err := file.WriteAt(data, chunk.Start); err != nil {
						return fmt.Errorf("write chunk %d to %s: %w", chunk.Index+1, input.Path, err)
					}
				}

				if err := tracker.MarkComplete(chunk.Index, checksum.Sum(data)); err != nil {
					return err
				}
				handle.addBytes(chunk.Size())
				persist()

				e.logger.Debugf("Chunk %d/%d downloaded [finished=%d] [avg=%v]",
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

	if wholeChecksum != "" {
		// Multipart-style digests (`<md5>-<count>`) are recomputed from the
		// recorded chunk checksums. A plain digest belongs to an object
		// without a part layout, whose chunk grid is ours, so it is checked
		// against the assembled file instead.
		var whole string
		if strings.Contains(wholeChecksum, "-") {
			sums, ok := tracker.ChunkChecksums()
			if !ok {
				handle.finish(StatusFailed, errors.New("not all chunks are accounted for"))
				return
			}
			combined, err := checksum.Whole(sums)
			if err != nil {
				handle.finish(StatusFailed, fmt.Errorf("combine chunk checksums: %w", err))
				return
			}
			whole = combined
		} else {
			fileSum, err := checksum.File(input.Path)
			if err != nil {
				handle.finish(StatusFailed, fmt.Errorf("checksum %s: %w", input.Path, err))
				return
			}
			whole = fileSum
		}
		if err := checksum.Verify(whole, wholeChecksum); err != nil {
			handle.finish(StatusFailed, fmt.Errorf("downloaded object: %w", err))
			return
		}
	}

	if err := file.Sync(); err != nil {
		e.logger.Warnf("Failed to sync %s: %s", input.Path, err)
	}
	if err := store.Remove(handle.jobKey); err != nil {
		e.logger.Warnf("Could not remove transfer state: %s", err)
	}

	took := time.Since(start)
	e.tracker.logTransferFinished("download", totalSize, len(plan), took, resumed)
	e.logger.Donef("Downloaded %s in %s", units.BytesSize(float64(totalSize)), took.Round(time.Second))

	handle.finish(StatusComplete, nil)
}

// runWholeDownload fetches a non-rangeable object in a single pass through
// the got downloader, then verifies the file checksum when the platform
// published one.
func (e *Engine) runWholeDownload(ctx context.Context, handle *Handle, input DownloadInput, totalSize int64, url, wholeChecksum string) {
	start := time.Now()
	handle.setStatus(StatusInProgress)

	e.logger.Infof("Object %s is not range-addressable, downloading in one pass", input.Locator)

	if url == "" {
		handle.finish(StatusFailed, fmt.Errorf("object %s has no download URL", input.Locator))
		return
	}

	downloader := got.New()
	if err := downloader.Do(got.NewDownload(ctx, url, input.Path)); err != nil {
		e.finishInterrupted(ctx, handle, fmt.Errorf("download %s: %w", input.Locator, err))
		return
	}

	handle.setStatus(StatusFinalizing)

	if wholeChecksum != "" {
		sum, err := checksum.File(input.Path)
		if err != nil {
			handle.finish(StatusFailed, fmt.Errorf("checksum %s: %w", input.Path, err))
			return
		}
		if err := checksum.Verify(sum, wholeChecksum); err != nil {
			handle.finish(StatusFailed, fmt.Errorf("downloaded object: %w", err))
			return
		}
	}

	handle.addBytes(totalSize - handle.Progress().BytesDone)

	took := time.Since(start)
	e.tracker.logTransferFinished("download", totalSize, 1, took, false)
	e.logger.Donef("Downloaded %s in %s", units.BytesSize(float64(totalSize)), took.Round(time.Second))

	handle.finish(StatusComplete, nil)
}
