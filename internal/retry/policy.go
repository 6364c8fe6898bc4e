// Package retry provides bounded exponential backoff for event delivery.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"lineage-stats/internal/domain"
)

// Policy defines retry behavior for a send.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries, jitter included.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each retry.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	Jitter float64
}

// Default returns the delivery policy used when nothing is configured:
// 5 attempts, 500ms initial delay, 30s max, 2x multiplier, 20% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// NoRetry returns a policy that tries once.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// NextDelay returns the delay before retry number attempt (1-indexed).
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		// [1-jitter, 1+jitter]
		factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// ShouldRetry reports whether another attempt should follow the failed
// attempt number attempt. Errors not marked domain.Retryable are final.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if err == nil || !domain.IsRetryable(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Do calls fn until it succeeds, returns a final error, the attempts run
// out or ctx is done. It returns the number of attempts made and the last
// error.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if !p.ShouldRetry(attempt, err) {
			return attempt, err
		}

		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
