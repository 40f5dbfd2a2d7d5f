package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Reconnect delays default to 100ms, 1s, then 10s for every later attempt.
const (
	DefaultBackoffFloor  = 10 * time.Millisecond
	DefaultBackoffFactor = 10
	DefaultBackoffCap    = 10 * time.Second
)

// Backoff yields min(ceiling, floor*factor^n) for the n-th consecutive failure.
type Backoff struct {
	mu sync.Mutex
	b  *backoff.ExponentialBackOff
}

func NewBackoff(floor time.Duration, factor float64, ceiling time.Duration) *Backoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(float64(floor) * factor)
	b.Multiplier = factor
	b.MaxInterval = ceiling
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &Backoff{b: b}
}

func DefaultBackoff() *Backoff {
	return NewBackoff(DefaultBackoffFloor, DefaultBackoffFactor, DefaultBackoffCap)
}

// Next returns the delay before the next attempt and grows the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.NextBackOff()
}

// Reset starts the sequence over from the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b.Reset()
}
