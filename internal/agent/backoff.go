package agent

import (
	"math/rand/v2"
	"time"
)

// MaxJitter is the upper bound (exclusive) of the random reconnect jitter.
const MaxJitter = time.Second

// BackoffDelay returns the wait before reconnect attempt number attempts
// (zero-based): min(base·2^attempts, ceiling) plus jitter in [0, MaxJitter).
func BackoffDelay(attempts int, base, ceiling time.Duration) time.Duration {
	return backoffFloor(attempts, base, ceiling) + jitter(MaxJitter)
}

// backoffFloor is the deterministic part of the delay.
func backoffFloor(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
