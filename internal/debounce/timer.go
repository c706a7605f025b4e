// Package debounce provides a single-shot activity timer that is rearmed on
// every touch and fires once the owner has been silent for a full interval.
//
// State machine:
//
//	Idle --Touch--> Armed --Touch--> Armed
//	Armed --interval elapses--> Expired --Touch--> Armed
//	any --Dispose--> Disposed (terminal)
//
// A Touch and an expiry racing each other are linearized on the timer's
// mutex. If the expiry callback claims its generation first, the expiry
// fires and the touch starts a fresh interval. If the touch takes the lock
// first, it bumps the generation and the stale callback returns without
// firing. Exactly one of the two outcomes happens for every race.
//
// Dispose linearizes the same way: a countdown still pending when Dispose
// takes the lock never fires. An expiry claimed before that point is
// dispatched, and its handler may still be running when Dispose returns.
package debounce

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/p-blackswan/circuit-idle/internal/errors"
)

// State is the lifecycle state of a Timer.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateExpired
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateExpired:
		return "expired"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Expiry describes one fired countdown.
type Expiry struct {
	Generation uint64
	LastTouch  time.Time
	FiredAt    time.Time
}

// ExpireFunc is invoked on a timer goroutine when a countdown elapses.
type ExpireFunc func(Expiry)

// Snapshot is a point-in-time view of a Timer.
type Snapshot struct {
	State       State
	Interval    time.Duration
	Generation  uint64
	LastTouch   time.Time
	Deadline    time.Time
	Expirations uint64
}

// Timer is a debounce timer. The zero value is not usable; use New.
type Timer struct {
	interval time.Duration
	logger   zerolog.Logger

	mu          sync.Mutex
	timer       *time.Timer
	state       State
	generation  uint64
	lastTouch   time.Time
	deadline    time.Time
	expirations uint64
	onExpire    ExpireFunc
}

// New creates a stopped timer. The interval must be positive.
func New(interval time.Duration, logger zerolog.Logger) (*Timer, error) {
	if interval <= 0 {
		return nil, apperrors.Invalidf("debounce interval must be positive, got %s", interval)
	}
	return &Timer{
		interval: interval,
		logger:   logger.With().Str("component", "debounce").Logger(),
		state:    StateIdle,
	}, nil
}

// OnExpire sets the expiry handler, replacing any previous one. A nil
// handler is allowed; the countdown still completes.
func (t *Timer) OnExpire(fn ExpireFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisposed {
		return
	}
	t.onExpire = fn
}

// Touch restarts the countdown from a full interval. It returns false when
// the timer has been disposed; the touch is then ignored.
func (t *Timer) Touch() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateDisposed {
		t.logger.Debug().Msg("touch after dispose ignored")
		return false
	}

	if t.timer != nil {
		// A false return means the callback is already running; the
		// generation bump below makes it a no-op.
		t.timer.Stop()
	}

	t.generation++
	gen := t.generation
	now := time.Now()
	t.lastTouch = now
	t.deadline = now.Add(t.interval)
	t.state = StateArmed
	t.timer = time.AfterFunc(t.interval, func() { t.expire(gen) })
	return true
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if t.state == StateDisposed || gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.state = StateExpired
	t.timer = nil
	t.expirations++
	fn := t.onExpire
	exp := Expiry{Generation: gen, LastTouch: t.lastTouch, FiredAt: time.Now()}
	t.mu.Unlock()

	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error().
				Err(apperrors.Recovered("expire", r)).
				Uint64("generation", gen).
				Msg("expiry handler panicked")
		}
	}()
	fn(exp)
}

// Dispose stops the countdown and releases the timer. After Dispose returns
// no further expiry is claimed. It does not wait for a handler already
// dispatched, so a handler may dispose its own timer. Dispose is idempotent.
func (t *Timer) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateDisposed {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation++
	t.state = StateDisposed
	t.onExpire = nil
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Interval returns the configured countdown length.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// Snapshot returns a consistent view of the timer.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		State:       t.state,
		Interval:    t.interval,
		Generation:  t.generation,
		LastTouch:   t.lastTouch,
		Expirations: t.expirations,
	}
	if t.state == StateArmed {
		s.Deadline = t.deadline
	}
	return s
}
