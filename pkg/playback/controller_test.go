package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"niftiview/pkg/schedule"
	"niftiview/pkg/volume"
)

func TestPlaybackWrapsAfterTotalTicks(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	const n = 5
	require.NoError(t, c.Start(volume.Axial, n, 50*time.Millisecond))
	assert.True(t, c.State().Playing)
	assert.Equal(t, []time.Duration{50 * time.Millisecond}, sched.Periods())

	for i := 1; i < n; i++ {
		sched.Tick()
		assert.Equal(t, i, c.State().Index)
	}
	sched.Tick()
	assert.Equal(t, 0, c.State().Index, "index must wrap to 0 after %d ticks", n)

	sched.Tick()
	assert.Equal(t, 1, c.State().Index)
}

func TestStartIsIdempotent(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	require.NoError(t, c.Start(volume.Axial, 10, time.Second))
	require.NoError(t, c.Start(volume.Axial, 10, time.Second))
	require.NoError(t, c.Start(volume.Coronal, 3, time.Millisecond))
	assert.Equal(t, 1, sched.Active(), "a second Start must not create a second timer")

	sched.Tick()
	assert.Equal(t, 1, c.State().Index)
	assert.Equal(t, volume.Axial, c.State().Plane)
}

func TestStartRejectsBadArguments(t *testing.T) {
	c := NewController(schedule.NewManual(), nil)
	assert.Error(t, c.Start(volume.Axial, 0, time.Second))
	assert.Error(t, c.Start(volume.Axial, 4, 0))
	assert.Error(t, c.Start(volume.Plane(5), 4, time.Second))
	assert.False(t, c.State().Playing)
}

func TestStopDiscardsLateTicks(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	var fire func()
	captured := &captureScheduler{inner: sched, onEvery: func(fn func()) { fire = fn }}
	c.sched = captured

	require.NoError(t, c.Start(volume.Sagittal, 8, time.Millisecond))
	fire()
	fire()
	require.Equal(t, 2, c.State().Index)

	c.Stop()
	assert.False(t, c.State().Playing)
	assert.Equal(t, 0, sched.Active())

	// Simulate a timer that fires after it was cancelled.
	fire()
	sched.Tick()
	assert.Equal(t, 2, c.State().Index)

	// Stop while stopped is a no-op.
	c.Stop()
	assert.Equal(t, 2, c.State().Index)
}

func TestSetPlaneStopsAndRewinds(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	require.NoError(t, c.Start(volume.Axial, 10, time.Millisecond))
	sched.Tick()
	sched.Tick()

	c.SetPlane(volume.Coronal)
	st := c.State()
	assert.False(t, st.Playing)
	assert.Equal(t, volume.Coronal, st.Plane)
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, 0, sched.Active())

	sched.Tick()
	assert.Equal(t, 0, c.State().Index)

	require.NoError(t, c.Start(volume.Coronal, 4, time.Millisecond))
	sched.Tick()
	assert.Equal(t, 1, c.State().Index)
}

func TestResetOnNewVolume(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	require.NoError(t, c.Start(volume.Axial, 10, time.Millisecond))
	sched.Tick()
	c.Reset(3)

	st := c.State()
	assert.False(t, st.Playing)
	assert.Equal(t, 0, st.Index)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 0, sched.Active())
}

func TestSeekClampsAndKeepsState(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)
	c.SetTotal(volume.Axial, 6)

	assert.Equal(t, 5, c.Seek(99))
	assert.Equal(t, 0, c.Seek(-3))
	assert.Equal(t, 4, c.Seek(4))
	assert.False(t, c.State().Playing)

	require.NoError(t, c.Start(volume.Axial, 6, time.Millisecond))
	assert.Equal(t, 4, c.State().Index, "Start on the same plane keeps the position")
	assert.Equal(t, 2, c.Seek(2))
	assert.True(t, c.State().Playing)
	sched.Tick()
	assert.Equal(t, 3, c.State().Index)
}

func TestStepWraps(t *testing.T) {
	c := NewController(schedule.NewManual(), nil)
	c.SetTotal(volume.Axial, 4)

	assert.Equal(t, 1, c.Step(1))
	assert.Equal(t, 0, c.Step(-1))
	assert.Equal(t, 3, c.Step(-1))
	assert.Equal(t, 1, c.Step(6))
}

func TestListenersSeeEveryChange(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	var got []State
	c.OnChange(func(s State) { got = append(got, s) })

	require.NoError(t, c.Start(volume.Axial, 3, time.Millisecond))
	sched.Tick()
	c.Stop()

	require.Len(t, got, 3)
	assert.True(t, got[0].Playing)
	assert.Equal(t, 1, got[1].Index)
	assert.False(t, got[2].Playing)
}

func TestListenerMayStopPlayback(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewController(schedule.Ticker{}, nil)
	stopped := make(chan struct{})
	var once sync.Once
	c.OnChange(func(s State) {
		if s.Playing && s.Index == 2 {
			c.Stop()
			once.Do(func() { close(stopped) })
		}
	})

	require.NoError(t, c.Start(volume.Axial, 10, time.Millisecond))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never stopped playback")
	}
	assert.False(t, c.State().Playing)
}

func TestStopDuringTickDeliveryArrivesLast(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)

	inTick := make(chan struct{})
	release := make(chan struct{})
	c.OnChange(func(s State) {
		if s.Playing && s.Index == 1 {
			close(inTick)
			<-release
		}
	})
	var mu sync.Mutex
	var got []State
	c.OnChange(func(s State) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	require.NoError(t, c.Start(volume.Axial, 3, time.Millisecond))
	ticked := make(chan struct{})
	go func() {
		sched.Tick()
		close(ticked)
	}()
	<-inTick
	c.Stop()
	close(release)
	<-ticked

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, State{Playing: true, Period: time.Millisecond, Plane: volume.Axial, Index: 0, Total: 3}, got[0])
	assert.Equal(t, 1, got[1].Index)
	assert.True(t, got[1].Playing)
	assert.False(t, got[2].Playing, "the stop must be the last state subscribers see")
	assert.False(t, c.State().Playing)
}

func TestNoTimerLeakAfterTeardown(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewController(schedule.Ticker{}, nil)
	require.NoError(t, c.Start(volume.Axial, 4, time.Millisecond))
	require.Eventually(t, func() bool { return c.State().Index > 0 }, time.Second, time.Millisecond)

	c.Close()
	time.Sleep(10 * time.Millisecond)
	idx := c.State().Index
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, idx, c.State().Index, "index changed after teardown")
}

// captureScheduler hands the scheduled function to the test so it can be
// invoked after cancellation.
type captureScheduler struct {
	inner   schedule.Scheduler
	onEvery func(fn func())
}

func (s *captureScheduler) Every(period time.Duration, fn func()) schedule.Task {
	s.onEvery(fn)
	return s.inner.Every(period, fn)
}

func TestSwitchPlaneRebindsTotal(t *testing.T) {
	sched := schedule.NewManual()
	c := NewController(sched, nil)
	require.NoError(t, c.Start(volume.Axial, 10, time.Millisecond))
	sched.Tick()

	c.SwitchPlane(volume.Axial, 3)
	st := c.State()
	assert.False(t, st.Playing)
	assert.Equal(t, 0, st.Index, "switching always rewinds, even to the same plane")
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, c.Seek(7))
}
