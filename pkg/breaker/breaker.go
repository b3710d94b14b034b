package breaker

import (
	"math"
	"sync"
	"time"
)

// State represents the state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ParseState is the inverse of String. Unknown values map to closed.
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config configures the circuit breaker
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	Cooldown         time.Duration // Base time spent open before the first probe
	MaxCooldown      time.Duration // Cap for the escalated cooldown
	Multiplier       float64       // Cooldown growth per escalation level
	MinDwell         time.Duration // Lower bound for any open period
	ProbeTimeout     time.Duration // A half-open probe not settled within this is released
	StableAfter      time.Duration // Closed this long before the escalation level resets
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      10 * time.Minute,
		Multiplier:       2,
		MinDwell:         5 * time.Second,
		ProbeTimeout:     45 * time.Second,
		StableAfter:      5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	return c
}

// Decision is the answer to Allow.
type Decision struct {
	Allowed bool
	State   State
	RetryIn time.Duration
	Probe   bool
}

// Snapshot is the serializable state of a breaker.
type Snapshot struct {
	State               State
	OpenedAt            time.Time
	ConsecutiveFailures int
	Cooldown            time.Duration
	Level               int
	LastTransition      time.Time
}

// ChangeFunc is called after every state transition, outside the breaker lock.
type ChangeFunc func(name string, from, to State)

const maxLevel = 16

// Breaker is a per-platform circuit breaker. All methods are safe for concurrent use;
// every mutation happens under one mutex so concurrent reports cannot lose updates.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config
	now  func() time.Time

	state          State
	failures       int
	openedAt       time.Time
	cooldown       time.Duration
	level          int
	lastTransition time.Time
	closedAt       time.Time
	probing        bool
	probeStarted   time.Time
	// reopened is set once the breaker has closed after an outage
	reopened bool

	onChange ChangeFunc
}

type Option func(*Breaker)

// WithClock overrides time.Now. Cooldowns are measured with Sub on the returned
// values, so the real clock keeps its monotonic reading.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithOnStateChange(fn ChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.cooldown = b.cfg.Cooldown
	b.lastTransition = b.now()
	b.closedAt = b.lastTransition
	return b
}

func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may be dispatched now. An open breaker whose
// cooldown elapsed moves to half-open and hands out exactly one probe.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	now := b.now()
	var changed []State
	d := b.allowLocked(now, &changed)
	b.mu.Unlock()
	b.notify(changed)
	return d
}

func (b *Breaker) allowLocked(now time.Time, changed *[]State) Decision {
	switch b.state {
	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cooldown {
			return Decision{State: StateOpen, RetryIn: b.cooldown - elapsed}
		}
		b.transition(StateHalfOpen, now, changed)
		b.probing = true
		b.probeStarted = now
		return Decision{Allowed: true, State: StateHalfOpen, Probe: true}
	case StateHalfOpen:
		if b.probing {
			elapsed := now.Sub(b.probeStarted)
			if elapsed < b.cfg.ProbeTimeout {
				return Decision{State: StateHalfOpen, RetryIn: b.cfg.ProbeTimeout - elapsed}
			}
		}
		b.probing = true
		b.probeStarted = now
		return Decision{Allowed: true, State: StateHalfOpen, Probe: true}
	default:
		return Decision{Allowed: true, State: StateClosed}
	}
}

// ReleaseProbe frees the half-open probe slot when the probe call was never made.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// RecordSuccess settles a successful call. In half-open it always closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	now := b.now()
	var changed []State
	switch b.state {
	case StateHalfOpen:
		b.failures = 0
		b.probing = false
		b.closedAt = now
		b.reopened = true
		b.transition(StateClosed, now, &changed)
	case StateClosed:
		b.failures = 0
		if b.level > 0 && now.Sub(b.closedAt) >= b.cfg.StableAfter {
			b.level = 0
			b.reopened = false
			b.cooldown = b.cooldownFor(0)
		}
	case StateOpen:
		// late result of a call dispatched before the breaker opened
	}
	b.mu.Unlock()
	b.notify(changed)
}

// RecordFailure settles a failed call. The FailureThreshold-th consecutive failure
// in closed always opens the breaker; a failed probe reopens it with a longer cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	var changed []State
	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			if b.reopened && now.Sub(b.closedAt) < b.cfg.StableAfter {
				b.escalate()
			} else {
				b.level = 0
			}
			b.open(now, b.cooldownFor(b.level), &changed)
		}
	case StateHalfOpen:
		b.probing = false
		b.escalate()
		b.open(now, b.cooldownFor(b.level), &changed)
	case StateOpen:
	}
	b.mu.Unlock()
	b.notify(changed)
}

// ForceOpen opens the breaker for at least d regardless of its state.
func (b *Breaker) ForceOpen(d time.Duration) {
	b.mu.Lock()
	now := b.now()
	var changed []State
	if d <= 0 {
		d = b.cooldownFor(b.level)
	}
	b.probing = false
	b.open(now, d, &changed)
	b.mu.Unlock()
	b.notify(changed)
}

// Reset closes the breaker and clears its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.now()
	var changed []State
	b.failures = 0
	b.level = 0
	b.probing = false
	b.reopened = false
	b.cooldown = b.cfg.Cooldown
	b.openedAt = time.Time{}
	b.closedAt = now
	if b.state != StateClosed {
		b.transition(StateClosed, now, &changed)
	}
	b.mu.Unlock()
	b.notify(changed)
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		OpenedAt:            b.openedAt,
		ConsecutiveFailures: b.failures,
		Cooldown:            b.cooldown,
		Level:               b.level,
		LastTransition:      b.lastTransition,
	}
}

// Restore loads a persisted snapshot. A half-open snapshot is restored as open
// with its cooldown already elapsed so the next Allow hands out a fresh probe.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s.State
	b.openedAt = s.OpenedAt
	b.failures = s.ConsecutiveFailures
	b.level = s.Level
	if b.level > maxLevel {
		b.level = maxLevel
	}
	b.cooldown = s.Cooldown
	if b.cooldown <= 0 {
		b.cooldown = b.cooldownFor(b.level)
	}
	b.lastTransition = s.LastTransition
	b.probing = false
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now().Add(-b.cooldown)
	}
	if b.state == StateClosed {
		b.closedAt = s.LastTransition
		b.reopened = b.level > 0
	}
}

func (b *Breaker) escalate() {
	if b.level < maxLevel {
		b.level++
	}
}

func (b *Breaker) open(now time.Time, cooldown time.Duration, changed *[]State) {
	if cooldown < b.cfg.MinDwell {
		cooldown = b.cfg.MinDwell
	}
	b.openedAt = now
	b.cooldown = cooldown
	if b.state != StateOpen {
		b.transition(StateOpen, now, changed)
	} else {
		b.lastTransition = now
	}
}

func (b *Breaker) cooldownFor(level int) time.Duration {
	d := float64(b.cfg.Cooldown) * math.Pow(b.cfg.Multiplier, float64(level))
	if d > float64(b.cfg.MaxCooldown) {
		return b.cfg.MaxCooldown
	}
	return time.Duration(d)
}

// transition records from/to pairs into changed for notify.
func (b *Breaker) transition(to State, now time.Time, changed *[]State) {
	from := b.state
	b.state = to
	b.lastTransition = now
	*changed = append(*changed, from, to)
}

func (b *Breaker) notify(changed []State) {
	if b.onChange == nil {
		return
	}
	for i := 0; i+1 < len(changed); i += 2 {
		b.onChange(b.name, changed[i], changed[i+1])
	}
}
