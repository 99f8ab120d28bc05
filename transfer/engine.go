package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/Honglongwu/dx-toolkit/transfer/chunkplan"
	"github.com/Honglongwu/dx-toolkit/transfer/network"
	"github.com/Honglongwu/dx-toolkit/transfer/retrier"
	"github.com/Honglongwu/dx-toolkit/transfer/state"
)

// Engine runs upload and download jobs against one platform backend. Safe
// for concurrent use; each Start call spawns an independent job.
type Engine struct {
	service   network.SessionService
	transport network.Transport
	auth      network.Authenticator
	logger    log.Logger
	tracker   jobTracker
}

// NewEngine wires a service (control plane), a transport (data plane) and an
// authenticator together. envRepo feeds the analytics context.
func NewEngine(service network.SessionService, transport network.Transport, auth network.Authenticator, envRepo env.Repository, logger log.Logger) *Engine {
	return &Engine{
		service:   service,
		transport: transport,
		auth:      auth,
		logger:    logger,
		tracker:   newJobTracker(envRepo, logger),
	}
}

// Close flushes queued analytics events. Call it once, after every job
// started on this engine has finished.
func (e *Engine) Close() {
	e.tracker.wait()
}

// jobKey derives the stable identity used to find a job's persisted snapshot
// across process restarts. Two runs with the same direction, endpoints, size
// and chunk grid are the same job.
func jobKey(direction, localPath, locator string, totalSize, chunkSize int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d", direction, localPath, locator, totalSize, chunkSize)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// authRefresher adapts the transport authenticator to the retry logic's
// credential hook.
type authRefresher struct {
	auth network.Authenticator
}

func (a authRefresher) RefreshCredentials(ctx context.Context) error {
	return a.auth.Refresh(ctx)
}

func (e *Engine) newRetrier(cfg Config) *retrier.Retrier {
	var refresher retrier.CredentialRefresher
	if e.auth != nil {
		refresher = authRefresher{auth: e.auth}
	}
	return retrier.New(retrier.Policy{MaxAttempts: cfg.MaxRetries}, refresher, e.logger)
}

// transferChunk runs one chunk operation under the retry policy, with a
// per-attempt deadline and a stall watch around every attempt except the
// last one. op must be safe to call repeatedly.
func (e *Engine) transferChunk(
	ctx context.Context,
	r *retrier.Retrier,
	cfg Config,
	stats *Stats,
	tracker *state.Tracker,
	chunk chunkplan.Chunk,
	desc string,
	op func(ctx context.Context) error,
) error {
	localAttempt := 0

	wrapped := func(ctx context.Context) error {
		localAttempt++

		attemptCtx := ctx
		cancelAttempt := func() {}
		if cfg.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(ctx, cfg.Timeout)
		}
		defer cancelAttempt()

		stallCtx, cancelStall := context.WithCancel(attemptCtx)
		defer cancelStall()

		start := time.Now()
		if cfg.StallThreshold > 0 && localAttempt < cfg.MaxRetries {
			go e.watchStall(stallCtx, cancelStall, start, stats, cfg.StallThreshold, chunk.Index)
		}

		err := op(stallCtx)
		if err == nil {
			stats.Update(time.Since(start))
			return nil
		}

		// A cancellation raised by the stall watch, not by the caller or
		// the attempt deadline, counts as a timeout so it gets retried.
		if ctx.Err() == nil && attemptCtx.Err() == nil && stallCtx.Err() != nil {
			return &network.TransportError{
				Kind: network.KindTimeout,
				Err:  fmt.Errorf("stalled after %s: %w", time.Since(start).Round(time.Second), err),
			}
		}
		return err
	}

	onAttempt := func() {
		tracker.RecordAttempt(chunk.Index)
	}

	if err := r.Do(ctx, desc, onAttempt, wrapped); err != nil {
		return &ChunkError{Index: chunk.Index, Attempts: tracker.Attempts(chunk.Index), Err: err}
	}
	return nil
}

// watchStall cancels a chunk attempt that runs StallThreshold longer than
// the average of finished chunks. Quiet until at least one chunk finished.
func (e *Engine) watchStall(ctx context.Context, cancel context.CancelFunc, start time.Time, stats *Stats, threshold time.Duration, index int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := stats.Average()
			if elapsed-avg > threshold {
				e.logger.Warnf("Chunk %d looks stalled; cancelling the attempt after %s (average: %s)",
					index+1, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

// finishInterrupted picks the terminal state for an aborted dispatch loop.
// Caller-driven cancellation ends in StatusCancelled, anything else in
// StatusFailed. The snapshot is kept either way so a later run can resume.
func (e *Engine) finishInterrupted(ctx context.Context, handle *Handle, err error) {
	cancelled := errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
	if !cancelled {
		var te *network.TransportError
		if errors.As(err, &te) && te.Kind == network.KindCancelled {
			cancelled = true
		}
	}

	if cancelled {
		e.logger.Warnf("Transfer cancelled, completed chunks are kept for resumption")
		handle.finish(StatusCancelled, err)
		return
	}

	e.logger.Errorf("Transfer failed: %s", err)
	handle.finish(StatusFailed, err)
}
