// Package countdown provides a cancellable per-question clock that counts whole seconds down to zero.
package countdown

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/eduel/internal/errors"
)

type Config struct {
	// Clock drives the ticks. Defaults to the real clock.
	Clock clockwork.Clock
	// Duration of one activation period in whole seconds.
	Duration int
	// Threshold makes OnThreshold fire when remaining time reaches it. Zero disables it.
	Threshold int

	OnTick      func(remaining int)
	OnThreshold func()
	OnExpire    func()
}

// Countdown ticks once per second while active. Every activation starts a new period, and a tick scheduled
// for an older period is dropped.
//
// Callbacks are invoked outside the state lock but must not call back into the same Countdown.
type Countdown struct {
	clock     clockwork.Clock
	duration  int
	threshold int

	onTick      func(int)
	onThreshold func()
	onExpire    func()

	// emit is held while callbacks of a tick run. Deactivate waits on it so that no callback of
	// the cancelled period is running once it returns.
	emit sync.Mutex

	mu             sync.Mutex
	active         bool
	period         uint64
	started        time.Time
	remaining      int
	thresholdFired bool
	expired        bool
	timer          clockwork.Timer
}

func New(c Config) (*Countdown, error) {
	if c.Duration <= 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("countdown: duration must be positive, got %d", c.Duration))
	}

	if c.Threshold < 0 || c.Threshold >= c.Duration {
		c.Threshold = 0
	}

	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	noop := func() {}
	if c.OnTick == nil {
		c.OnTick = func(int) {}
	}
	if c.OnThreshold == nil {
		c.OnThreshold = noop
	}
	if c.OnExpire == nil {
		c.OnExpire = noop
	}

	return &Countdown{
		clock:       c.Clock,
		duration:    c.Duration,
		threshold:   c.Threshold,
		onTick:      c.OnTick,
		onThreshold: c.OnThreshold,
		onExpire:    c.OnExpire,
		remaining:   c.Duration,
	}, nil
}

// Activate starts a new period from the full duration. Activating an active countdown restarts it.
func (c *Countdown) Activate() {
	c.mu.Lock()
	c.stopLocked()
	c.period++
	c.active = true
	c.started = c.clock.Now()
	c.remaining = c.duration
	c.thresholdFired = false
	c.expired = false
	c.scheduleLocked()
	c.mu.Unlock()

	c.barrier()
}

// Deactivate cancels the pending tick. No callback of the current period fires after it returns.
func (c *Countdown) Deactivate() {
	c.mu.Lock()
	c.active = false
	c.period++
	c.stopLocked()
	c.mu.Unlock()

	c.barrier()
}

// Stop releases the countdown. It is safe to call at any point and more than once.
func (c *Countdown) Stop() {
	c.Deactivate()
}

// Active reports whether the current period is still counting. It turns false on expiry and on Deactivate.
func (c *Countdown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active && !c.expired
}

// Remaining returns the seconds left in the current or last period.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remaining
}

// Expired reports whether the current period has reached zero.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.active && c.expired
}

func (c *Countdown) tick(period uint64) {
	c.emit.Lock()
	defer c.emit.Unlock()

	c.mu.Lock()
	if !c.active || c.expired || period != c.period {
		c.mu.Unlock()
		return
	}

	c.remaining--
	var (
		remaining = c.remaining
		threshold = c.threshold > 0 && remaining == c.threshold && !c.thresholdFired
		expired   = remaining <= 0
	)

	if threshold {
		c.thresholdFired = true
	}

	if expired {
		c.remaining = 0
		c.expired = true
		c.timer = nil
	} else {
		c.scheduleLocked()
	}
	c.mu.Unlock()

	c.onTick(remaining)
	if threshold {
		c.onThreshold()
	}
	if expired {
		c.onExpire()
	}
}

// scheduleLocked arms the next tick relative to the period start so callback latency does not accumulate.
func (c *Countdown) scheduleLocked() {
	var (
		period  = c.period
		elapsed = c.duration - c.remaining
		due     = c.started.Add(time.Duration(elapsed+1) * time.Second)
		wait    = due.Sub(c.clock.Now())
	)

	if wait < 0 {
		wait = 0
	}

	c.timer = c.clock.AfterFunc(wait, func() { c.tick(period) })
}

func (c *Countdown) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Countdown) barrier() {
	c.emit.Lock()
	c.emit.Unlock() //nolint:staticcheck // waits for in-flight callbacks
}
