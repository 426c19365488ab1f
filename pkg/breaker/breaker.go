// Package breaker provides named circuit breakers protecting shared backend
// resources (database, cache, auth, external services).
//
// Each breaker wraps a gobreaker state machine: gobreaker serializes the
// state-transition evaluation with the counter updates under its own mutex, so
// concurrent callers cannot force contradictory transitions.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/sony/gobreaker"
)

// Well-known resource names.
const (
	ResourceDatabase = "database"
	ResourceCache    = "cache"
	ResourceAuth     = "auth"
	ResourceExternal = "external"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen fails every call fast until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

// String returns the state name used in health reports and response headers.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrCircuitOpen is returned when a call is rejected without being executed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker protects a single named resource.
type CircuitBreaker struct {
	name   string
	config Config
	cb     *gobreaker.TwoStepCircuitBreaker
	logger *log.Helper

	mu          sync.Mutex
	lastFailure time.Time
	nextAttempt time.Time

	totalSuccesses atomic.Uint64
	totalFailures  atomic.Uint64
	totalRejected  atomic.Uint64
}

// New creates a circuit breaker for the named resource.
func New(name string, config Config, logger log.Logger) *CircuitBreaker {
	config.Validate()
	if logger == nil {
		logger = log.DefaultLogger
	}

	b := &CircuitBreaker{
		name:   name,
		config: config,
		logger: log.NewHelper(log.With(logger, "breaker", name)),
	}

	threshold := uint32(config.FailureThreshold) // #nosec G115 -- validated positive
	volume := uint32(config.ExpectedVolume)      // #nosec G115 -- validated positive

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Interval:    config.MonitoringPeriod,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold && counts.Requests >= volume
		},
		OnStateChange: b.onStateChange,
	})

	RecordState(name, StateClosed)
	return b
}

// onStateChange runs while gobreaker holds its lock; it must not call back into cb.
func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	now := time.Now()

	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.nextAttempt = now.Add(b.config.RecoveryTimeout)
	case gobreaker.StateClosed:
		b.nextAttempt = time.Time{}
	}
	nextAttempt := b.nextAttempt
	b.mu.Unlock()

	f, t := fromGobreaker(from), fromGobreaker(to)
	RecordState(name, t)
	RecordStateChange(name, f, t)

	if t == StateOpen {
		b.logger.Warnw("msg", "circuit breaker opened",
			"from", f.String(),
			"to", t.String(),
			"next_attempt", nextAttempt,
			"type", "breaker")
	} else {
		b.logger.Infow("msg", "circuit breaker state changed",
			"from", f.String(),
			"to", t.String(),
			"type", "breaker")
	}

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(name, f, t)
	}
}

// successful reports whether err should count as a success for breaker accounting.
func (b *CircuitBreaker) successful(err error) bool {
	if err == nil {
		return true
	}
	if b.config.IsSuccessful != nil {
		return b.config.IsSuccessful(err)
	}
	return false
}

// Execute runs op under breaker protection.
//
// When op fails (or is rejected because the circuit is open) and fallback is
// non-nil, the fallback result is returned instead of the failure. Errors that
// the breaker's classifier treats as successes are returned unchanged, as is
// context.Canceled: a cancelled call is not counted while CLOSED and counts as
// a failed probe while HALF_OPEN.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error, fallback func(error) error) error {
	probing := b.cb.State() != gobreaker.StateClosed
	done, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		RecordRejected(b.name)
		err = fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		if fallback != nil {
			return fallback(err)
		}
		return err
	}

	err = guarded(ctx, op, done)
	switch {
	case err == nil:
		done(true)
		b.totalSuccesses.Add(1)
		return nil
	case errors.Is(err, context.Canceled):
		if probing {
			done(false)
		}
		return err
	case b.successful(err):
		done(true)
		b.totalSuccesses.Add(1)
		return err
	}

	done(false)
	b.totalFailures.Add(1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	if fallback != nil {
		return fallback(err)
	}
	return err
}

// guarded runs op, reporting a panic to the breaker as a failure before re-panicking.
func guarded(ctx context.Context, op func(ctx context.Context) error, done func(success bool)) error {
	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()
	return op(ctx)
}

// Do is the typed form of Execute.
func Do[T any](ctx context.Context, b *CircuitBreaker, op func(ctx context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, nil)

	if err == nil || b.successful(err) || errors.Is(err, context.Canceled) {
		return out, err
	}
	if fallback != nil {
		return fallback(err)
	}
	var zero T
	return zero, err
}

// Name returns the resource name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the current state. An expired OPEN circuit reports HALF_OPEN.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Allow reports whether a call would currently be let through.
func (b *CircuitBreaker) Allow() bool {
	return b.State() != StateOpen
}

// Stats returns a snapshot of the breaker counters.
func (b *CircuitBreaker) Stats() Stats {
	counts := b.cb.Counts()
	state := b.State()

	b.mu.Lock()
	lastFailure, nextAttempt := b.lastFailure, b.nextAttempt
	b.mu.Unlock()

	if state != StateOpen {
		nextAttempt = time.Time{}
	}

	var rate float64
	if counts.Requests > 0 {
		rate = float64(counts.TotalFailures) / float64(counts.Requests)
	}

	return Stats{
		Name:                b.name,
		State:               state.String(),
		Failures:            counts.TotalFailures,
		Successes:           counts.TotalSuccesses,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
		FailureRate:         rate,
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
		LastFailureTime:     lastFailure,
		NextAttemptTime:     nextAttempt,
	}
}

// Stats holds circuit breaker statistics for the current monitoring period
// plus lifetime totals.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	Failures            uint32    `json:"failures"`
	Successes           uint32    `json:"successes"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	Requests            uint32    `json:"requests"`
	FailureRate         float64   `json:"failure_rate"`
	TotalFailures       uint64    `json:"total_failures"`
	TotalSuccesses      uint64    `json:"total_successes"`
	TotalRejected       uint64    `json:"total_rejected"`
	LastFailureTime     time.Time `json:"last_failure_time"`
	NextAttemptTime     time.Time `json:"next_attempt_time"`
}

// Closed reports whether the breaker was closed when the stats were taken.
func (s Stats) Closed() bool {
	return s.State == StateClosed.String()
}
