package scheduler

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffPolicy configures per-service cool-downs.
type BackoffPolicy struct {
	// Threshold failures within Lookback trip the first cool-down. Once
	// tripped, every further failure before a success trips the next,
	// longer one.
	Threshold int
	Lookback  time.Duration
	Initial   time.Duration
	Max       time.Duration
}

// BackoffState is a snapshot of one service's cool-down.
type BackoffState struct {
	Service  string    `json:"service"`
	Failures int       `json:"failures"`
	Level    int       `json:"level"`
	Until    time.Time `json:"until"`
}

type serviceBackoff struct {
	mu       sync.Mutex
	failures []time.Time
	level    int
	until    time.Time
	curve    *backoff.ExponentialBackOff
}

func newServiceBackoff(p BackoffPolicy) *serviceBackoff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &serviceBackoff{curve: b}
}

// failure records a failed outcome at t and reports whether a cool-down
// was (re)armed.
func (s *serviceBackoff) failure(p BackoffPolicy, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := t.Add(-p.Lookback)
	kept := s.failures[:0]
	for _, f := range s.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	s.failures = append(kept, t)

	if s.level == 0 && len(s.failures) < p.Threshold {
		return false
	}
	s.level++
	s.until = t.Add(s.curve.NextBackOff())
	return true
}

func (s *serviceBackoff) success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = nil
	s.level = 0
	s.until = time.Time{}
	s.curve.Reset()
}

// blocked returns the end of the cool-down if now falls inside it.
func (s *serviceBackoff) blocked(now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.until, now.Before(s.until)
}

func (s *serviceBackoff) snapshot(service string) BackoffState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BackoffState{Service: service, Failures: len(s.failures), Level: s.level, Until: s.until}
}
