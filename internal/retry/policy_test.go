package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reelforge/reelforge-engine/internal/job"
	"github.com/reelforge/reelforge-engine/internal/stage"
)

func TestPolicy_Classify(t *testing.T) {
	p := NewPolicy(3, time.Second, time.Minute)

	cases := []struct {
		name string
		err  error
		want Classification
	}{
		{"stage retryable", stage.Retryable("vendor 503", nil), Retryable},
		{"stage terminal", stage.Terminal("bad input", nil), Terminal},
		{"stage moderation", stage.ModerationRejected("policy refusal"), ModerationRejected},
		{"wrapped stage error", stage.Retryable("timeout", context.DeadlineExceeded), Retryable},
		{"invalid input", job.ErrInvalidInput, Terminal},
		{"cancelled", context.Canceled, Terminal},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"unknown", errors.New("something odd"), Retryable},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := p.Classify(c.err); got != c.want {
				t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
			}
		})
	}
}

func TestPolicy_ClassifyPrefersStageKind(t *testing.T) {
	p := NewPolicy(3, time.Second, time.Minute)

	// the explicit kind wins over the wrapped sentinel
	err := stage.Terminal("rejected", context.DeadlineExceeded)
	if got := p.Classify(err); got != Terminal {
		t.Errorf("Classify() = %s, want %s", got, Terminal)
	}
}

func TestPolicy_NextDelayBounds(t *testing.T) {
	base := 2 * time.Second
	cap := 10 * time.Second
	p := NewPolicy(5, base, cap)

	for attempt := 1; attempt <= 5; attempt++ {
		d := p.NextDelay(job.StageVisual, attempt)
		if d <= 0 {
			t.Errorf("NextDelay(attempt=%d) = %v, want positive", attempt, d)
		}
		// jitter can push past the cap by at most the randomization factor
		max := time.Duration(float64(cap) * 1.25)
		if d > max {
			t.Errorf("NextDelay(attempt=%d) = %v, exceeds cap %v", attempt, d, max)
		}
	}
}

func TestPolicy_MaxAttemptsDefault(t *testing.T) {
	p := NewPolicy(0, 0, 0)
	if got := p.MaxAttempts(job.StageVoice); got != 3 {
		t.Errorf("MaxAttempts() = %d, want 3", got)
	}
}
