package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_FinishReleasesContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := newHandle("job-ctx", 10, cancel)

	handle.finish(StatusComplete, nil)

	status, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "run context must be released on finish")
}

func TestHandle_FinishKeepsFirstTerminalState(t *testing.T) {
	_, cancel := context.WithCancel(context.Background())
	handle := newHandle("job-term", 10, cancel)

	handle.setStatus(StatusInProgress)
	handle.finish(StatusFailed, errors.New("chunk failed"))

	// A later status change on a finished job is a no-op.
	handle.setStatus(StatusComplete)

	assert.Equal(t, StatusFailed, handle.Status())
}
