package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pricesentry/pricesentry/internal/logger"
	"github.com/pricesentry/pricesentry/internal/metrics"
)

// ErrOpen is returned by Execute when the breaker is open and no fallback
// was supplied.
var ErrOpen = errors.New("circuit breaker open")

// Settings tunes one breaker. Zero values fall back to defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes it again.
	SuccessThreshold uint32
	// Timeout is how long the breaker stays open before trialing the
	// dependency again.
	Timeout time.Duration
	// ResetTimeout clears accumulated failure counts while closed, so a
	// slow trickle of failures does not eventually trip the breaker.
	ResetTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = 2
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = time.Minute
	}
	return s
}

// Breaker guards calls to one named external dependency. State is process
// local and resets on restart; each instance tracks dependency health on
// its own.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// New builds a breaker for one dependency.
func New(name string, settings Settings) *Breaker {
	settings = settings.withDefaults()

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.SuccessThreshold,
		Interval:    settings.ResetTimeout,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithComponent("breaker").WithFields(map[string]interface{}{
				"dependency": name,
				"from":       from.String(),
				"to":         to.String(),
			}).Warn("circuit breaker state change")
			metrics.SetBreakerState(name, stateValue(to))
		},
	})

	metrics.SetBreakerState(name, stateValue(gobreaker.StateClosed))
	return &Breaker{name: name, cb: cb}
}

// Execute runs fn under breaker protection. While the breaker is open the
// fallback runs instead when provided; without one the caller gets ErrOpen.
// Fallback results are never counted as dependency successes.
func (b *Breaker) Execute(fn func() (any, error), fallback func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback()
		}
		return nil, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return nil, err
}

// State reports the breaker's current state name.
func (b *Breaker) State() string { return b.cb.State().String() }

// Counts exposes the raw gobreaker counters for monitoring.
func (b *Breaker) Counts() gobreaker.Counts { return b.cb.Counts() }

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Registry hands out one breaker per named dependency so every caller of
// the same dependency shares failure history.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
}

// NewRegistry builds a registry whose breakers share the given settings.
func NewRegistry(settings Settings) *Registry {
	return &Registry{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings)
	r.breakers[name] = b
	return b
}

// States snapshots every registered breaker's state for the dashboard.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
