// Package retrier wraps single chunk operations with bounded exponential
// backoff, classifying each failure as retryable or fatal. Retryable errors
// never escape: the caller sees success, a fatal error, or ExhaustedError
// once the attempt budget runs out.
package retrier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Honglongwu/dx-toolkit/transfer/checksum"
	"github.com/Honglongwu/dx-toolkit/transfer/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Policy is the retry budget and backoff shape for one chunk operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt; it doubles
	// per retry up to MaxDelay. Random jitter in [0, delay] is added.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 32 * time.Second
	}
	return p
}

// CredentialRefresher renews the platform credential after an AuthExpired
// failure. The refresh happens at most once per wrapped operation and does
// not consume a retry attempt.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// ExhaustedError reports that a retryable failure persisted through the
// whole attempt budget.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Retrier runs operations under a Policy. Safe for concurrent use.
type Retrier struct {
	policy    Policy
	refresher CredentialRefresher
	logger    log.Logger
}

// New creates a Retrier. refresher may be nil, in which case AuthExpired is
// immediately fatal.
func New(policy Policy, refresher CredentialRefresher, logger log.Logger) *Retrier {
	return &Retrier{
		policy:    policy.withDefaults(),
		refresher: refresher,
		logger:    logger,
	}
}

// Do runs op until it succeeds, fails fatally, or the attempt budget is
// exhausted. desc names the operation in logs. onAttempt, when non-nil, is
// called before every attempt (used for attempt accounting).
func (r *Retrier) Do(ctx context.Context, desc string, onAttempt func(), op func(ctx context.Context) error) error {
	var lastErr error
	refreshed := false

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return &network.TransportError{Kind: network.KindCancelled, Err: ctx.Err()}
		default:
		}

		if onAttempt != nil {
			onAttempt()
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, network.ErrAlreadyCommitted) {
			r.logger.Debugf("%s: remote side already has this content, treating as success", desc)
			return nil
		}

		if kind, ok := errorKind(err); ok && kind == network.KindAuthExpired && !refreshed && r.refresher != nil {
			r.logger.Warnf("%s: credentials expired, refreshing", desc)
			if refreshErr := r.refresher.RefreshCredentials(ctx); refreshErr != nil {
				return fmt.Errorf("%s: refresh credentials: %w", desc, err)
			}
			refreshed = true
			// The refresh does not consume a retry slot.
			attempt--
			continue
		}

		if !retryable(err) {
			return err
		}

		lastErr = err

		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warnf("%s: attempt %d/%d failed (%s), retrying in %v",
			desc, attempt, r.policy.MaxAttempts, err, delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return &network.TransportError{Kind: network.KindCancelled, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	return &ExhaustedError{Attempts: r.policy.MaxAttempts, Err: lastErr}
}

// backoff returns the doubled-and-capped delay for the given failed attempt
// count, plus full jitter in [0, delay] to avoid thundering-herd retries.
func (r *Retrier) backoff(failedAttempts int) time.Duration {
	delay := r.policy.BaseDelay
	for i := 1; i < failedAttempts; i++ {
		delay *= 2
		if delay >= r.policy.MaxDelay {
			delay = r.policy.MaxDelay
			break
		}
	}

	return delay + time.Duration(rand.Int63n(int64(delay)+1))
}

func retryable(err error) bool {
	if errors.Is(err, checksum.ErrMismatch) {
		return true
	}

	var te *network.TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}

	return false
}

func errorKind(err error) (network.Kind, bool) {
	var te *network.TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return network.KindUnknown, false
}
