// Package schedule provides cancellable periodic tasks. Anything that would
// otherwise run its own ticker loop (cine playback, connectivity polling)
// takes a Scheduler so tests can drive it deterministically with Manual.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task is a handle to a running periodic function.
type Task interface {
	// Stop cancels the task. Once Stop returns the function will not be
	// started again, though a call already in progress may still finish.
	// Stop never blocks, is idempotent and may be called from inside the
	// task's own function.
	Stop()
}

// Scheduler runs fn every period until the returned Task is stopped.
type Scheduler interface {
	Every(period time.Duration, fn func()) Task
}

// Ticker is the wall-clock Scheduler backed by time.Ticker. Each task owns
// one goroutine that exits soon after Stop.
type Ticker struct{}

// Every starts fn on its own goroutine. A non-positive period panics, like
// time.NewTicker.
func (Ticker) Every(period time.Duration, fn func()) Task {
	ticker := time.NewTicker(period)
	ctx, cancel := context.WithCancel(context.Background())
	go run(ctx, ticker, fn)
	return tickerTask{cancel: cancel}
}

type tickerTask struct {
	cancel context.CancelFunc
}

func run(ctx context.Context, ticker *time.Ticker, fn func()) {
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and a cancel can be ready together; cancel wins.
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

func (t tickerTask) Stop() {
	t.cancel()
}

// Manual is a Scheduler whose tasks only run when Tick is called.
type Manual struct {
	mu    sync.Mutex
	tasks []*manualTask
}

// NewManual returns an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{}
}

type manualTask struct {
	m       *Manual
	period  time.Duration
	fn      func()
	stopped bool
}

func (m *Manual) Every(period time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTask{m: m, period: period, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Tick runs every active task once, in creation order.
func (m *Manual) Tick() {
	m.mu.Lock()
	var fns []func()
	for _, t := range m.tasks {
		if !t.stopped {
			fns = append(fns, t.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Active returns how many tasks have been started and not stopped.
func (m *Manual) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Periods returns the periods of the active tasks.
func (m *Manual) Periods() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.tasks {
		if !t.stopped {
			out = append(out, t.period)
		}
	}
	return out
}

func (t *manualTask) Stop() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	t.stopped = true
}
