package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}

	return "closed"
}

// CircuitBreaker counts consecutive failures of one script. It opens once the count
// exceeds the threshold and stays open until Reset; a threshold of 0 never opens.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	lastFailureAt time.Time

	threshold int
}

func New(threshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:     Closed,
		threshold: threshold,
	}
}

// OnFailure records a failure and reports whether this very failure opened the breaker.
func (b *CircuitBreaker) OnFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = time.Now()
	b.failures++

	if b.state == Closed && b.threshold > 0 && b.failures > b.threshold {
		b.state = Open
		return true
	}

	return false
}

func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
}

// Reset closes the breaker and clears the counter.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
}

func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.failures
}

func (b *CircuitBreaker) LastFailureAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastFailureAt
}
