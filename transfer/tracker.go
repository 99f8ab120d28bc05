package transfer

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/google/uuid"
)

// jobTracker reports anonymous transfer metrics so chunk sizing and retry
// defaults can be tuned from real workloads.
type jobTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newJobTracker(envRepo env.Repository, logger log.Logger) jobTracker {
	p := analytics.Properties{
		"session_id": uuid.NewString(),
		"project":    envRepo.Get("DX_PROJECT_CONTEXT_ID"),
		"job":        envRepo.Get("DX_JOB_ID"),
	}
	return jobTracker{
		tracker: analytics.NewDefaultTracker(logger, p),
		logger:  logger,
	}
}

func (t *jobTracker) logTransferFinished(direction string, sizeBytes int64, chunkCount int, took time.Duration, resumed bool) {
	properties := analytics.Properties{
		"direction":       direction,
		"size_bytes":      sizeBytes,
		"chunk_count":     chunkCount,
		"transfer_time_s": took.Truncate(time.Second).Seconds(),
		"resumed":         resumed,
	}
	t.tracker.Enqueue("transfer_finished", properties)
}

func (t *jobTracker) wait() {
	t.tracker.Wait()
}
