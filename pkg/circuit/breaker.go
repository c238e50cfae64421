package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds breaker settings.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to State)
}

// Breaker sheds load from a failing dependency. Closed lets everything
// through; after MaxFailures consecutive failures it opens, rejecting calls
// until Timeout elapses, then probes with at most HalfOpenMax requests.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	halfOpenInUse int
	openedAt      time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		b.after(err)
		return err
	}

	err := fn()
	b.after(err)
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.halfOpenInUse = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenInUse >= b.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenInUse++
		return nil
	}
	return nil
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenInUse > 0 {
		b.halfOpenInUse--
	}

	if err != nil {
		b.failures++
		switch b.state {
		case StateHalfOpen:
			b.open()
		case StateClosed:
			if b.failures >= b.cfg.MaxFailures {
				b.open()
			}
		}
		return
	}

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// BreakerGroup manages one breaker per named dependency.
type BreakerGroup struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerGroup creates a group whose members share cfg.
func NewBreakerGroup(cfg Config) *BreakerGroup {
	return &BreakerGroup{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// Execute runs fn under the named breaker, creating it on first use.
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func() error) error {
	return g.get(name).Execute(ctx, fn)
}

// State reports the state of the named breaker.
func (g *BreakerGroup) State(name string) State {
	return g.get(name).State()
}

func (g *BreakerGroup) get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[name]
	if !ok {
		b = NewBreaker(name, g.cfg)
		g.breakers[name] = b
	}
	return b
}
