package guardian

import (
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Fib returns the n-th Fibonacci number with Fib(1) = Fib(2) = 1.
func Fib(n int) int64 {
	if n <= 0 {
		return 0
	}
	var a, b int64 = 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}

// BackoffDelay is the wait before connection attempt n (1-indexed).
// The first attempt is immediate.
func BackoffDelay(n int, unit time.Duration) time.Duration {
	if n <= 1 {
		return 0
	}
	return time.Duration(Fib(n)) * unit
}

// BackoffSchedule lists the waits before attempts 2..maxAttempts.
func BackoffSchedule(maxAttempts int, unit time.Duration) []time.Duration {
	var out []time.Duration
	for n := 2; n <= maxAttempts; n++ {
		out = append(out, BackoffDelay(n, unit))
	}
	return out
}

// fibonacciBackoff yields BackoffDelay(2), BackoffDelay(3), ... and stops
// after maxAttempts-1 retries.
func fibonacciBackoff(maxAttempts int, unit time.Duration) retry.Backoff {
	var attempt int64 = 1
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		n := atomic.AddInt64(&attempt, 1)
		return BackoffDelay(int(n), unit), false
	})
	retries := maxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), next)
}
