// Package playback drives cine review: it advances the active slice index on
// a fixed period, wrapping around at the last slice, until stopped.
//
// The controller is a two-state machine (Stopped, Playing). Every transition
// cancels the outstanding timer before anything else happens, and each timer
// is tagged with a generation number, so a tick that fires after the state
// that spawned it has been superseded is discarded rather than applied.
package playback

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"niftiview/pkg/schedule"
	"niftiview/pkg/volume"
)

// DefaultPeriod is the cine frame period used when none is configured.
const DefaultPeriod = 100 * time.Millisecond

// State is a snapshot of the controller.
type State struct {
	Playing bool
	Period  time.Duration
	Plane   volume.Plane
	Index   int
	Total   int
}

// Listener is notified after every index or play-state change, one change at
// a time and in the order the changes were made. It usually runs on the
// goroutine that caused the change, which for ticks is the timer's.
type Listener func(State)

// Controller owns the current (plane, index) pair consumed by the slicer.
type Controller struct {
	sched  schedule.Scheduler
	logger *zap.Logger

	mu        sync.Mutex
	playing   bool
	period    time.Duration
	plane     volume.Plane
	index     int
	total     int
	gen       uint64
	task      schedule.Task
	listeners []Listener

	pending    []State
	delivering bool
}

// NewController returns a stopped controller on the axial plane. A nil
// logger discards output.
func NewController(sched schedule.Scheduler, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{sched: sched, logger: logger, period: DefaultPeriod, total: 1}
}

// OnChange registers l for state changes.
func (c *Controller) OnChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Controller) snapshot() State {
	return State{Playing: c.playing, Period: c.period, Plane: c.plane, Index: c.index, Total: c.total}
}

// flush delivers queued states in the order they were made. Only one
// goroutine delivers at a time; a change made meanwhile, including one made by
// a listener, is left in the queue for that goroutine.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		ls := append([]Listener(nil), c.listeners...)
		c.mu.Unlock()
		for _, l := range ls {
			l(s)
		}
		c.mu.Lock()
	}
	c.pending = nil
	c.delivering = false
	c.mu.Unlock()
}

// cancelLocked moves to Stopped and invalidates any outstanding timer. The
// returned task must be stopped after c.mu is released.
func (c *Controller) cancelLocked() schedule.Task {
	c.gen++
	c.playing = false
	task := c.task
	c.task = nil
	return task
}

// Start begins cyclic playback over totalSlices slices of plane, advancing
// one slice every period. Starting while already playing is a no-op. If plane
// differs from the current plane the index restarts at 0.
func (c *Controller) Start(plane volume.Plane, totalSlices int, period time.Duration) error {
	if !plane.Valid() {
		return &volume.RangeError{Op: "playback", Detail: fmt.Sprintf("unknown plane %d", int(plane))}
	}
	if totalSlices < 1 {
		return &volume.RangeError{Op: "playback", Detail: fmt.Sprintf("total slices %d must be >= 1", totalSlices)}
	}
	if period <= 0 {
		return &volume.RangeError{Op: "playback", Detail: fmt.Sprintf("period %v must be > 0", period)}
	}

	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return nil
	}
	if plane != c.plane {
		c.plane = plane
		c.index = 0
	}
	c.total = totalSlices
	c.index = clamp(c.index, totalSlices)
	c.period = period
	c.playing = true
	c.gen++
	gen := c.gen
	c.task = c.sched.Every(period, func() { c.tick(gen) })
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	c.logger.Debug("playback started",
		zap.Stringer("plane", plane), zap.Int("total", totalSlices), zap.Duration("period", period))
	c.flush()
	return nil
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if !c.playing || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.index = (c.index + 1) % c.total
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	c.flush()
}

// Stop halts playback and cancels the timer. It is a no-op when stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	task := c.cancelLocked()
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	c.logger.Debug("playback stopped", zap.Stringer("plane", s.Plane), zap.Int("index", s.Index))
	c.flush()
}

// SetPlane stops playback and moves to the first slice of plane. The caller
// restarts playback explicitly.
func (c *Controller) SetPlane(plane volume.Plane) {
	c.reset(plane, -1)
}

// SwitchPlane is SetPlane for a plane with a different slice count.
func (c *Controller) SwitchPlane(plane volume.Plane, totalSlices int) {
	c.reset(plane, totalSlices)
}

// Reset stops playback and rewinds to index 0 of the current plane with a
// new slice count; used when a new volume replaces the old one.
func (c *Controller) Reset(totalSlices int) {
	c.mu.Lock()
	plane := c.plane
	c.mu.Unlock()
	c.reset(plane, totalSlices)
}

// SetTotal stops playback and rebinds the plane and its slice count, keeping
// the index within range. Unlike SetPlane it does not rewind when the plane
// is unchanged.
func (c *Controller) SetTotal(plane volume.Plane, totalSlices int) {
	c.mu.Lock()
	task := c.cancelLocked()
	if plane != c.plane {
		c.plane = plane
		c.index = 0
	}
	if totalSlices >= 1 {
		c.total = totalSlices
	}
	c.index = clamp(c.index, c.total)
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	c.flush()
}

func (c *Controller) reset(plane volume.Plane, totalSlices int) {
	c.mu.Lock()
	task := c.cancelLocked()
	c.plane = plane
	c.index = 0
	if totalSlices >= 1 {
		c.total = totalSlices
	}
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	c.flush()
}

// Seek moves to index, clamped to [0, Total-1], without changing the play
// state. It returns the index actually selected.
func (c *Controller) Seek(index int) int {
	c.mu.Lock()
	c.index = clamp(index, c.total)
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	c.flush()
	return s.Index
}

// Step moves delta slices forward (or backward when negative), wrapping
// around like playback does. It returns the new index.
func (c *Controller) Step(delta int) int {
	c.mu.Lock()
	c.index = ((c.index+delta)%c.total + c.total) % c.total
	s := c.snapshot()
	c.pending = append(c.pending, s)
	c.mu.Unlock()

	c.flush()
	return s.Index
}

// Close stops playback. The controller may still be used afterwards.
func (c *Controller) Close() {
	c.Stop()
}

func clamp(index, total int) int {
	if index < 0 || total < 1 {
		return 0
	}
	if index >= total {
		return total - 1
	}
	return index
}
