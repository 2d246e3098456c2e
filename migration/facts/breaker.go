package facts

// circuitBreaker opens after threshold consecutive failures and stays open for the rest of a
// reduction run. It is used from a single goroutine.
type circuitBreaker struct {
	threshold   int
	consecutive int
	open        bool
}

func newCircuitBreaker(threshold int) *circuitBreaker {
	return &circuitBreaker{threshold: threshold}
}

func (b *circuitBreaker) Allow() bool { return !b.open }

func (b *circuitBreaker) RecordSuccess() { b.consecutive = 0 }

func (b *circuitBreaker) RecordFailure() {
	b.consecutive++
	if b.threshold > 0 && b.consecutive >= b.threshold {
		b.open = true
	}
}

func (b *circuitBreaker) Open() bool { return b.open }
