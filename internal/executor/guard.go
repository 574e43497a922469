package executor

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrLaunch wraps failures to start the privileged process at all.
	ErrLaunch = errors.New("privileged process could not be started")
	// ErrGuardOpen is returned while the launch guard refuses new commands.
	ErrGuardOpen = errors.New("privileged channel unavailable: launch guard open")
)

// GuardState is the launch guard state
type GuardState int

const (
	GuardClosed GuardState = iota
	GuardHalfOpen
	GuardOpen
)

// String returns the string representation of the state
func (s GuardState) String() string {
	switch s {
	case GuardClosed:
		return "closed"
	case GuardHalfOpen:
		return "half-open"
	case GuardOpen:
		return "open"
	default:
		return "unknown"
	}
}

// launchGuard stops hammering a privilege broker that keeps refusing us.
// Only launch failures count: a command that runs and exits non-zero is a
// healthy channel. After threshold consecutive launch failures the guard
// opens for cooldown, then admits a single probe.
type launchGuard struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(from, to GuardState)

	mu       sync.Mutex
	state    GuardState
	failures int
	openedAt time.Time
	probing  bool
}

func newLaunchGuard(threshold int, cooldown time.Duration) *launchGuard {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &launchGuard{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// admit reports whether a new launch may proceed.
func (g *launchGuard) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GuardOpen && g.now().Sub(g.openedAt) >= g.cooldown {
		g.setState(GuardHalfOpen)
	}
	switch g.state {
	case GuardOpen:
		return ErrGuardOpen
	case GuardHalfOpen:
		if g.probing {
			return ErrGuardOpen
		}
		g.probing = true
	}
	return nil
}

// record reports the outcome of an admitted launch.
func (g *launchGuard) record(launched bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.probing = false
	if launched {
		g.failures = 0
		g.setState(GuardClosed)
		return
	}
	g.failures++
	if g.state == GuardHalfOpen || g.failures >= g.threshold {
		g.openedAt = g.now()
		g.setState(GuardOpen)
	}
}

func (g *launchGuard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *launchGuard) setState(to GuardState) {
	if g.state == to {
		return
	}
	from := g.state
	g.state = to
	if to == GuardClosed {
		g.failures = 0
	}
	if g.onChange != nil {
		g.onChange(from, to)
	}
}
