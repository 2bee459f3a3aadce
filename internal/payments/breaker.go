package payments

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	CallTimeout      time.Duration
	Now              func() time.Time
	OnStateChange    func(name string, from, to BreakerState)
}

// CircuitBreaker fails fast for a downstream dependency that keeps failing.
// One instance exists per dependency name and is shared by every caller in
// the process; state is never persisted, so a restart resets it to closed.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	failThreshold int
	succThreshold int
	openFor       time.Duration
	callTimeout   time.Duration
	now           func() time.Time
	onStateChange func(name string, from, to BreakerState)

	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	nextAttempt time.Time
}

// NewCircuitBreaker constructs a breaker with sane defaults.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	failThreshold := cfg.FailureThreshold
	if failThreshold < 1 {
		failThreshold = 5
	}
	succThreshold := cfg.SuccessThreshold
	if succThreshold < 1 {
		succThreshold = 1
	}
	openFor := cfg.OpenDuration
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:          name,
		failThreshold: failThreshold,
		succThreshold: succThreshold,
		openFor:       openFor,
		callTimeout:   cfg.CallTimeout,
		now:           now,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// State reports the breaker's current position.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn under the breaker. While open it rejects immediately with a
// circuit-open error until OpenDuration has elapsed. Admitted calls run under
// CallTimeout; a timeout counts as a failure.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if c == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.state == StateOpen {
		if c.now().Before(c.nextAttempt) {
			c.mu.Unlock()
			return &CallError{Kind: KindCircuitOpen, Err: ErrCircuitOpen}
		}
		c.setState(StateHalfOpen)
		c.successes = 0
	}
	c.mu.Unlock()

	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		err = &CallError{Kind: KindTimeout, Err: callCtx.Err()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.onSuccess()
		return nil
	}
	c.onFailure()
	return err
}

func (c *CircuitBreaker) onSuccess() {
	if c.state == StateHalfOpen {
		c.successes++
		if c.successes >= c.succThreshold {
			c.setState(StateClosed)
			c.failures = 0
			c.successes = 0
		}
		return
	}
	// A single success forgives prior failures while closed.
	c.failures = 0
}

func (c *CircuitBreaker) onFailure() {
	now := c.now()
	c.lastFailure = now
	if c.state == StateHalfOpen {
		c.trip(now)
		return
	}
	c.failures++
	if c.failures >= c.failThreshold {
		c.trip(now)
	}
}

func (c *CircuitBreaker) trip(now time.Time) {
	c.setState(StateOpen)
	c.nextAttempt = now.Add(c.openFor)
	c.failures = 0
	c.successes = 0
}

func (c *CircuitBreaker) setState(to BreakerState) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.onStateChange != nil {
		c.onStateChange(c.name, from, to)
	}
}

// BreakerRegistry holds one circuit breaker per named downstream dependency.
// It is constructed once at startup and injected into callers; breakers are
// created lazily on first use of a name.
type BreakerRegistry struct {
	mu       sync.Mutex
	defaults CircuitBreakerConfig
	configs  map[string]CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry constructs a registry whose unnamed dependencies use the
// given defaults.
func NewBreakerRegistry(defaults CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		defaults: defaults,
		configs:  make(map[string]CircuitBreakerConfig),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Configure sets an explicit config for a dependency name. It must be called
// before the first Get for that name to take effect.
func (r *BreakerRegistry) Configure(name string, cfg CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.Now == nil {
		cfg.Now = r.defaults.Now
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = r.defaults.OnStateChange
	}
	r.configs[name] = cfg
}

// Get returns the breaker for a dependency name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, ok := r.breakers[name]; ok {
		return breaker
	}
	cfg, ok := r.configs[name]
	if !ok {
		cfg = r.defaults
	}
	breaker := NewCircuitBreaker(name, cfg)
	r.breakers[name] = breaker
	return breaker
}
