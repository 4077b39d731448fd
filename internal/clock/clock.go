// Package clock implements the per-session exam countdown.
//
// A Clock counts down once per second from a starting duration to zero. It
// fires its expiry callback exactly once when it reaches zero and never after
// Cancel. It knows nothing about phases or scoring.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrInvalidDuration is returned by Start for non-positive durations.
	ErrInvalidDuration = errors.New("clock duration must be positive")
	// ErrAlreadyStarted is returned when Start is called on a used clock.
	ErrAlreadyStarted = errors.New("clock already started")
)

// Ticker is the tick source driving a running clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time {
	return t.t.C
}

func (t timeTicker) Stop() {
	t.t.Stop()
}

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Option configures a Clock.
type Option func(*Clock)

// WithTicker replaces the wall-clock ticker. Tests pass a ticker that never
// fires and drive the clock through Tick.
func WithTicker(f TickerFunc) Option {
	return func(c *Clock) { c.newTicker = f }
}

// WithInterval changes the tick period (one second by default).
func WithInterval(d time.Duration) Option {
	return func(c *Clock) { c.interval = d }
}

// Clock is a single-use countdown.
type Clock struct {
	newTicker TickerFunc
	interval  time.Duration

	mu        sync.Mutex
	remaining int
	started   bool
	running   bool
	canceled  bool
	done      chan struct{}
	onTick    func(remaining int)
	onExpire  func()
}

// New creates a stopped clock.
func New(opts ...Option) *Clock {
	c := &Clock{
		newTicker: NewTimeTicker,
		interval:  time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnTick registers the callback invoked after every tick with the new
// remaining seconds.
func (c *Clock) OnTick(cb func(remaining int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTick = cb
}

// OnExpire registers the callback invoked once when the countdown reaches zero.
func (c *Clock) OnExpire(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = cb
}

// Start begins counting down from durationSeconds.
func (c *Clock) Start(durationSeconds int) error {
	if durationSeconds <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDuration, durationSeconds)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.running = true
	c.remaining = durationSeconds
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	t := c.newTicker(c.interval)
	go c.run(t, done)
	return nil
}

func (c *Clock) run(t Ticker, done <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C():
			if c.Tick() == 0 {
				return
			}
		}
	}
}

// Tick advances the countdown by one second and returns the remaining
// seconds. It is a no-op on a stopped clock.
func (c *Clock) Tick() int {
	c.mu.Lock()
	if !c.running {
		r := c.remaining
		c.mu.Unlock()
		return r
	}
	c.remaining--
	r := c.remaining
	expired := r == 0
	if expired {
		c.running = false
	}
	onTick, onExpire := c.onTick, c.onExpire
	c.mu.Unlock()

	// Callbacks run without the lock so they may call Cancel or Remaining.
	if onTick != nil && c.live() {
		onTick(r)
	}
	if expired && onExpire != nil && c.live() {
		onExpire()
	}
	return r
}

// live reports whether callbacks may still start.
func (c *Clock) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.canceled
}

// Remaining returns the seconds left.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Running reports whether the clock is still counting down.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Cancel stops the clock. Each callback is checked against cancellation
// immediately before it runs, so a Cancel from the tick callback also
// suppresses the expiry of the same tick. A callback already past that check
// runs to completion. Cancel is idempotent and does not wait for the tick
// goroutine.
func (c *Clock) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.canceled = true
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

// Format renders seconds as HH:MM:SS.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
