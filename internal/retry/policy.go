// Package retry decides whether and when a failed stage call is retried.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/stage"
)

// Classification is the retry policy's verdict on a failure.
type Classification string

const (
	Retryable          Classification = "retryable"
	Terminal           Classification = "terminal"
	ModerationRejected Classification = "moderation_rejected"
)

// Policy carries the retry parameters: attempt budget per stage and the
// exponential backoff schedule (with jitter) between attempts.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewPolicy creates a policy. Defaults match the production posture: 3
// attempts per stage, exponential backoff with jitter, base 2s, cap 60s.
func NewPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	return &Policy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

// MaxAttempts returns the attempt budget for a stage. The budget is uniform
// today; the stage parameter keeps call sites honest about what the limit
// applies to.
func (p *Policy) MaxAttempts(s job.Stage) int {
	return p.maxAttempts
}

// Classify maps a stage failure to its retry treatment. Moderation rejections
// are distinct from generic failures: retrying identical input against a
// moderation filter is pointless and must not consume a generic retry slot.
func (p *Policy) Classify(err error) Classification {
	switch stage.KindOf(err) {
	case stage.KindModeration:
		return ModerationRejected
	case stage.KindTerminal:
		return Terminal
	case stage.KindRetryable:
		return Retryable
	}

	if errors.Is(err, job.ErrInvalidInput) || errors.Is(err, context.Canceled) {
		return Terminal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Retryable
	}

	// Unclassified failures are treated as transient; the attempt budget
	// still bounds them.
	return Retryable
}

// NextDelay returns how long to wait before the attempt following
// attemptNumber confirmed failures. No concurrency slot is held during the
// wait.
func (p *Policy) NextDelay(s job.Stage, attemptNumber int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.MaxInterval = p.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attemptNumber; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = p.baseDelay
	}
	return d
}
