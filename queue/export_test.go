package queue

import "time"

// RetryDelayForTest exposes the back-off computation to package tests.
func (p *Pool) RetryDelayForTest(attempt int) time.Duration {
	return p.retryDelay(attempt)
}
