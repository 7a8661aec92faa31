package refetch

import (
	"context"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String renders the state for logs and snapshots.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerEvent names a circuit breaker state transition.
type BreakerEvent string

const (
	// EventBreak fires when the breaker trips to open.
	EventBreak BreakerEvent = "break"
	// EventReset fires when a successful probe closes the breaker.
	EventReset BreakerEvent = "reset"
	// EventHalfOpen fires when the cool-down elapses and a probe is admitted.
	EventHalfOpen BreakerEvent = "half_open"
)

// BreakerListener observes breaker transitions for a named service.
type BreakerListener func(service string, event BreakerEvent)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int
	// CoolDown is how long the breaker stays open before admitting a probe.
	CoolDown time.Duration
}

// BreakerSnapshot is a point-in-time health view of one breaker.
type BreakerSnapshot struct {
	Service   string
	State     CircuitState
	IsHealthy bool
	Failures  int
}

// CircuitBreaker guards a single upstream dependency. Calls pass through
// while closed; sustained failure trips it open and calls are rejected
// without reaching the upstream until a cool-down elapses, after which a
// single probe decides whether to close again.
type CircuitBreaker struct {
	service string
	config  CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool

	listeners []BreakerListener
}

// NewCircuitBreaker creates a breaker for the named service, filling config
// defaults (threshold 5, cool-down 60s).
func NewCircuitBreaker(service string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 60 * time.Second
	}
	return &CircuitBreaker{
		service: service,
		config:  config,
		state:   StateClosed,
	}
}

// OnStateChange registers a listener for transition events.
func (cb *CircuitBreaker) OnStateChange(listener BreakerListener) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// Execute runs op under the breaker. When open it fails fast with a
// *CircuitOpenError without invoking op. In half-open exactly one call is
// admitted as a probe; concurrent callers are rejected until the probe
// settles.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !cb.allow() {
		return &CircuitOpenError{Service: cb.service}
	}

	err := op(ctx)
	if err != nil {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return nil
}

// allow decides admission and performs the open -> half-open transition once
// the cool-down has elapsed.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.config.CoolDown {
			cb.state = StateHalfOpen
			cb.probing = true
			listeners := cb.snapshotListeners()
			cb.mu.Unlock()
			cb.notify(listeners, EventHalfOpen)
			return true
		}
		cb.mu.Unlock()
		return false
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return false // probe already in flight
		}
		cb.probing = true
		cb.mu.Unlock()
		return true
	default:
		cb.mu.Unlock()
		return false
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = time.Now()

	var event BreakerEvent
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			event = EventBreak
		}
	case StateHalfOpen:
		// failed probe reopens the circuit
		cb.state = StateOpen
		cb.probing = false
		event = EventBreak
	}
	listeners := cb.snapshotListeners()
	cb.mu.Unlock()

	if event != "" {
		cb.notify(listeners, event)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	var event BreakerEvent
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = 0
		cb.probing = false
		event = EventReset
	}
	listeners := cb.snapshotListeners()
	cb.mu.Unlock()

	if event != "" {
		cb.notify(listeners, event)
	}
}

func (cb *CircuitBreaker) snapshotListeners() []BreakerListener {
	out := make([]BreakerListener, len(cb.listeners))
	copy(out, cb.listeners)
	return out
}

func (cb *CircuitBreaker) notify(listeners []BreakerListener, event BreakerEvent) {
	for _, l := range listeners {
		l(cb.service, event)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a health view for observability endpoints.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Service:   cb.service,
		State:     cb.state,
		IsHealthy: cb.state == StateClosed,
		Failures:  cb.failures,
	}
}

// BreakerRegistry hands out one breaker per dependency name, creating them
// lazily with a shared configuration. State is never shared across names.
type BreakerRegistry struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	config    CircuitBreakerConfig
	listeners []BreakerListener
}

// NewBreakerRegistry creates a registry applying config to every breaker it
// creates.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// OnStateChange registers a listener attached to every breaker, existing and
// future.
func (r *BreakerRegistry) OnStateChange(listener BreakerListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
	for _, cb := range r.breakers {
		cb.OnStateChange(listener)
	}
}

// Get returns the breaker for the named dependency, creating it on first use.
func (r *BreakerRegistry) Get(service string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreaker(service, r.config)
	for _, l := range r.listeners {
		cb.OnStateChange(l)
	}
	r.breakers[service] = cb
	return cb
}

// Snapshots returns health views for every breaker the registry has created.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
