package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives components read access to the current tick time without
// depending on the concrete controller.
type SimClock interface {
	Now() time.Time
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime stamps every tick with the wall clock.
	RealTime Mode = iota
	// Accelerated steps time by Tick from StartTime on every tick, which lets
	// a historical TLE epoch be replayed.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

// TickFunc is invoked once per tick with the tick time.
type TickFunc func(ctx context.Context, now time.Time)

// TimeController drives the coordination tick and notifies registered
// listeners. It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	wallClock   func() time.Time

	listeners []TickFunc
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
		wallClock:   func() time.Time { return time.Now().UTC() },
	}
}

// Now returns the time of the most recent tick.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime overrides the current time.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick. Listeners must be
// registered before Run.
func (tc *TimeController) AddListener(fn TickFunc) {
	tc.listeners = append(tc.listeners, fn)
}

// Run fires one tick immediately and then one per Tick interval until ctx is
// cancelled or, when duration > 0, until duration has elapsed. It blocks and
// returns ctx.Err() on cancellation and nil on completion.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	tc.mu.Lock()
	simTime := tc.StartTime
	if tc.Mode == RealTime {
		simTime = tc.wallClock()
	}
	tc.currentTime = simTime
	tc.mu.Unlock()

	tc.fire(ctx, simTime)

	ticker := time.NewTicker(tc.Tick)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		elapsed += tc.Tick
		if tc.Mode == RealTime {
			simTime = tc.wallClock()
		} else {
			simTime = simTime.Add(tc.Tick)
		}

		tc.mu.Lock()
		tc.currentTime = simTime
		tc.mu.Unlock()

		tc.fire(ctx, simTime)
	}
}

// Start runs the controller in a separate goroutine. The returned channel is
// closed when Run returns.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tc.Run(ctx, duration)
	}()
	return done
}

func (tc *TimeController) fire(ctx context.Context, now time.Time) {
	for _, fn := range tc.listeners {
		if ctx.Err() != nil {
			return
		}
		fn(ctx, now)
	}
}
