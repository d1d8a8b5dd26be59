package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When the rolling window holds at least MinimumRequests
//	                     outcomes and the failure rate reaches the threshold
//	Open -> HalfOpen:    After ResetTimeout has elapsed since opening
//	HalfOpen -> Closed:  When a probe request succeeds (window cleared)
//	HalfOpen -> Open:    When a probe request fails (timer restarted)
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
)

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

// ErrCircuitOpen is returned when the circuit breaker is open and
// requests are being rejected to protect the downstream provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies this circuit breaker (e.g., "ses", "sns", "push").
	Name string

	// WindowSize is the number of most recent outcomes the failure rate is computed over.
	WindowSize int

	// ErrorThresholdPercentage trips the breaker once failures/outcomes reaches it.
	ErrorThresholdPercentage int

	// MinimumRequests is the number of outcomes the window needs before it can trip.
	MinimumRequests int

	// ResetTimeout is how long to stay Open before letting a probe through.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int

	// OnStateChange is called after every transition, with the lock released.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a 10-outcome window that trips at 50% once 5 outcomes
// are recorded, and probes again after 30 seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		WindowSize:               10,
		ErrorThresholdPercentage: 50,
		MinimumRequests:          5,
		ResetTimeout:             30 * time.Second,
		HalfOpenMaxRequests:      1,
	}
}

// CircuitBreaker guards one provider. When the recent failure rate is too
// high the circuit opens and callers are rejected without a network call
// until a single probe succeeds.
//
// State is held in process memory only; every replica keeps its own view.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	window           []bool // true = failure
	next             int
	filled           int
	openedAt         time.Time
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	// Metrics
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.ErrorThresholdPercentage <= 0 || cfg.ErrorThresholdPercentage > 100 {
		cfg.ErrorThresholdPercentage = def.ErrorThresholdPercentage
	}
	if cfg.MinimumRequests <= 0 {
		cfg.MinimumRequests = def.MinimumRequests
	}
	if cfg.MinimumRequests > cfg.WindowSize {
		cfg.MinimumRequests = cfg.WindowSize
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             time.Now,
		state:           StateClosed,
		window:          make([]bool, cfg.WindowSize),
		lastStateChange: time.Now(),
	}

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("window_size", cfg.WindowSize),
		zap.Int("error_threshold_pct", cfg.ErrorThresholdPercentage),
		zap.Int("minimum_requests", cfg.MinimumRequests),
		zap.Duration("reset_timeout", cfg.ResetTimeout),
	)

	return cb
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow checks if a request should be allowed through the circuit breaker.
// Returns true if the request can proceed, false if it should be rejected.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	cb.totalRequests++

	var (
		allowed bool
		changed *transition
	)

	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			changed = cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe request",
				zap.String("name", cb.config.Name),
			)
			allowed = true
		} else {
			cb.totalRejected++
		}

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			allowed = true
		} else {
			cb.totalRejected++
		}
	}

	cb.mu.Unlock()
	cb.notify(changed)
	return allowed
}

// RecordSuccess records a successful request.
// In HalfOpen state, this closes the circuit and clears the window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	cb.totalSuccesses++
	var changed *transition

	switch cb.state {
	case StateHalfOpen:
		cb.clearWindow()
		changed = cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed - provider recovered",
			zap.String("name", cb.config.Name),
		)
	case StateClosed:
		cb.push(false)
	}

	cb.mu.Unlock()
	cb.notify(changed)
}

// RecordFailure records a failed request.
// In Closed state, opens the circuit once the window's failure rate crosses
// the threshold. In HalfOpen state, immediately re-opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	cb.totalFailures++
	cb.lastFailureTime = cb.now()
	var changed *transition

	switch cb.state {
	case StateClosed:
		cb.push(true)
		failures := cb.failures()
		if cb.filled >= cb.config.MinimumRequests &&
			failures*100 >= cb.config.ErrorThresholdPercentage*cb.filled {
			cb.openedAt = cb.now()
			changed = cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker OPENED - failure rate over threshold",
				zap.String("name", cb.config.Name),
				zap.Int("failures", failures),
				zap.Int("window", cb.filled),
				zap.Int("threshold_pct", cb.config.ErrorThresholdPercentage),
			)
		}

	case StateHalfOpen:
		cb.openedAt = cb.now()
		changed = cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", cb.config.Name),
		)
	}

	cb.mu.Unlock()
	cb.notify(changed)
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	WindowRequests  int     `json:"window_requests"`
	WindowFailures  int     `json:"window_failures"`
	FailureRate     float64 `json:"failure_rate"`
	TotalRequests   int64   `json:"total_requests"`
	TotalFailures   int64   `json:"total_failures"`
	TotalSuccesses  int64   `json:"total_successes"`
	TotalRejected   int64   `json:"total_rejected"`
	OpenedAt        string  `json:"opened_at,omitempty"`
	LastFailure     string  `json:"last_failure,omitempty"`
	LastStateChange string  `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failures := cb.failures()
	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		WindowRequests:  cb.filled,
		WindowFailures:  failures,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if cb.filled > 0 {
		s.FailureRate = float64(failures) / float64(cb.filled)
	}
	if cb.state != StateClosed && !cb.openedAt.IsZero() {
		s.OpenedAt = cb.openedAt.Format(time.RFC3339)
	}
	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}

	return s
}

// Reset manually resets the circuit breaker to Closed state.
// Useful for admin/operator override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.clearWindow()
	changed := cb.transitionTo(StateClosed)
	cb.halfOpenRequests = 0
	cb.openedAt = time.Time{}
	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
	cb.mu.Unlock()
	cb.notify(changed)
}

type transition struct {
	from, to State
}

// transitionTo changes state (must be called with lock held).
func (cb *CircuitBreaker) transitionTo(newState State) *transition {
	if cb.state == newState {
		return nil
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
	return &transition{from: oldState, to: newState}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil || cb.config.OnStateChange == nil {
		return
	}
	cb.config.OnStateChange(cb.config.Name, t.from, t.to)
}

func (cb *CircuitBreaker) push(failure bool) {
	cb.window[cb.next] = failure
	cb.next = (cb.next + 1) % len(cb.window)
	if cb.filled < len(cb.window) {
		cb.filled++
	}
}

func (cb *CircuitBreaker) failures() int {
	n := 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i] {
			n++
		}
	}
	return n
}

func (cb *CircuitBreaker) clearWindow() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.next = 0
	cb.filled = 0
}

// String returns a human-readable representation.
func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failures(), cb.filled)
}
