package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/vsavkov/elspeth/internal/clients"
)

// BackoffConfig configures retry delays.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// DefaultBackoffConfig keeps jitter off so test runs are deterministic;
// production settings enable it.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         false,
	}
}

// DelayForAttempt computes the delay before retry number attempt
// (1-indexed). Jitter is deterministic per seed: the same run retrying the
// same node waits the same time on replay.
func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// MaxRetriesExceededError is the terminal giveup after the attempt cap.
// The processor turns it into a failed outcome carrying the last error's
// hash.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.LastErr }

// RetryManager decides whether and when a failed transform call is
// re-attempted. TransformResult errors never come through here; only
// raised errors do, and only retryable ones (network, timeout, capacity)
// earn another attempt.
type RetryManager struct {
	MaxAttempts int
	Backoff     BackoffConfig

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetryManager(maxAttempts int, cfg BackoffConfig) *RetryManager {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryManager{
		MaxAttempts: maxAttempts,
		Backoff:     cfg,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// ShouldRetry reports whether another attempt is allowed after err.
// attempt is 0-indexed (the attempt that just failed).
func (r *RetryManager) ShouldRetry(err error, attempt int) bool {
	if attempt+1 >= r.MaxAttempts {
		return false
	}
	return clients.IsRetryable(err)
}

// Wait sleeps the backoff delay before retry number attempt (1-indexed).
// seed should identify (run, node, attempt) so jitter replays identically.
func (r *RetryManager) Wait(ctx context.Context, attempt int, seed string) error {
	d := DelayForAttempt(attempt, r.Backoff, fmt.Sprintf("%s:%d", seed, attempt))
	if d <= 0 {
		return nil
	}
	return r.sleep(ctx, d)
}
