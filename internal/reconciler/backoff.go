package reconciler

import "time"

// backoffDelay returns base * 2^retryCount, capped at ceiling.
func backoffDelay(base, ceiling time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for step := 0; step < retryCount; step++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
