// Package breaker implements the three-state circuit breaker guarding the
// stream ingester's downstream dispatch calls (spec.md §4.12). The state
// machine (closed/open/half-open, consecutive-failure threshold, cooldown
// window) follows the same shape as the teacher's risk.Manager kill switch
// (mutex-guarded counters, a cooldown deadline, an explicit reset on
// recovery) generalized from "per-market kill signal" to "per-breaker call
// gate".
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is one of the three circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: circuit open")

// Breaker guards a single downstream dependency.
type Breaker struct {
	failureThreshold int
	openDuration     time.Duration
	requestTimeout   time.Duration
	logger           *slog.Logger

	mu                sync.Mutex
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenInFlight  bool
}

// New creates a breaker with the given consecutive-failure threshold and
// open-state duration (defaults per spec.md §4.12: N=5, D=60s, timeout=15s).
func New(failureThreshold int, openDuration, requestTimeout time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		requestTimeout:   requestTimeout,
		logger:           logger.With("component", "breaker"),
		state:            Closed,
	}
}

// RequestTimeout returns the per-request deadline Call should apply.
func (b *Breaker) RequestTimeout() time.Duration { return b.requestTimeout }

// State returns the current breaker state (for logging/metrics only).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow decides whether a new call may proceed. It returns ErrOpen when the
// breaker is open and the open-duration hasn't elapsed, or when the breaker
// is half-open and a probe is already in flight. A caller that receives nil
// MUST report the outcome via Success or Failure exactly once.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.openDuration {
			return ErrOpen
		}
		// Open duration elapsed: admit exactly one probe.
		b.state = HalfOpen
		b.halfOpenInFlight = true
		return nil
	case HalfOpen:
		if b.halfOpenInFlight {
			return ErrOpen
		}
		b.halfOpenInFlight = true
		return nil
	default:
		return nil
	}
}

// Success reports that a call admitted by Allow succeeded.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.consecutiveFails = 0
		b.halfOpenInFlight = false
		b.logger.Info("breaker closed after successful probe")
	case Closed:
		b.consecutiveFails = 0
	}
}

// Failure reports that a call admitted by Allow failed. Only responses with
// status >= 500, 408, or a transport timeout should count as failures
// (spec.md §4.12); explicit 4xx (except 408) must be reported via Success.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.open()
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.failureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = time.Now()
	b.consecutiveFails = 0
	b.logger.Warn("breaker opened", "open_duration", b.openDuration)
}

// Do runs fn if the breaker admits the call, recording success/failure based
// on the classification fn returns. isFailure lets the caller apply the
// "explicit 4xx is a success" rule from spec.md §4.12.
func Do(ctx context.Context, b *Breaker, fn func(ctx context.Context) error, isFailure func(error) bool) error {
	if err := b.Allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.RequestTimeout())
	defer cancel()

	err := fn(cctx)
	if isFailure(err) {
		b.Failure()
	} else {
		b.Success()
	}
	return err
}
