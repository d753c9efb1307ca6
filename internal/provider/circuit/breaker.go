package circuit

import (
	"fmt"
	"sync"
	"time"
)

// OpenError is returned by Allow while a breaker is cooling down.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s is unavailable after repeated failures, retry in %s", e.Name, e.Remaining.Round(time.Second))
}

// Breaker blocks an operation for a cooldown period once it has failed
// threshold times in a row.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu            sync.Mutex
	failures      int
	cooldownUntil time.Time
}

func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns an *OpenError while the breaker is cooling down.
func (b *Breaker) Allow() error {
	if rem := b.CooldownRemaining(); rem > 0 {
		return &OpenError{Name: b.name, Remaining: rem}
	}
	return nil
}

// RecordFailure counts a failure and reports whether it opened the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.failures = 0
	b.cooldownUntil = b.now().Add(b.cooldown)
	return true
}

// RecordSuccess clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.cooldownUntil = time.Time{}
}

func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d := b.cooldownUntil.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (e *OpenError) UserMessage() string {
	return fmt.Sprintf("The %s backend is temporarily unavailable after repeated failures. Try again in %s.", e.Name, e.Remaining.Round(time.Second))
}
