package flex

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chzchzchz/emgrx/rhx"
)

func newArms(t *testing.T, left, right *fakeDevice) *Coordinator {
	shared, sharedMax := new(atomic.Int32), new(atomic.Int32)
	left.active, left.maxActive = shared, sharedMax
	right.active, right.maxActive = shared, sharedMax
	c, err := NewCoordinator(time.Millisecond,
		newCalibratedSession(t, "left", left),
		newCalibratedSession(t, "right", right))
	require.NoError(t, err)
	return c
}

func TestPollAggregates(t *testing.T) {
	c := newArms(t, newFakeDevice(10, 50, 35), newFakeDevice(10, 50, 20))
	r, err := c.Poll(context.TODO())
	require.NoError(t, err)
	require.Len(t, r.Detections, 2)
	require.True(t, r.Flexed("left"))
	require.False(t, r.Flexed("right"))
	require.Equal(t, uint8(0x10), Bitmask(r, DefaultBits))
	require.Equal(t, "True, False", CSVLine(r, DefaultOrder))
	require.Equal(t, 1, r.Seq)
}

func TestBitmaskBothArms(t *testing.T) {
	r := Round{Detections: map[string]Detection{"left": {Flexed: true}, "right": {Flexed: true}}}
	require.Equal(t, uint8(0x11), Bitmask(r, DefaultBits))
	require.Equal(t, uint8(0), Bitmask(Round{}, DefaultBits))
	require.Equal(t, "False, False", CSVLine(Round{}, DefaultOrder))
}

func TestPollRunsArmsConcurrently(t *testing.T) {
	left, right := newFakeDevice(10, 50, 35), newFakeDevice(10, 50, 35)
	c := newArms(t, left, right)
	left.delay, right.delay = 100*time.Millisecond, 100*time.Millisecond
	left.maxActive.Store(0)
	start := time.Now()
	_, err := c.Poll(context.TODO())
	require.NoError(t, err)
	require.Equal(t, int32(2), left.maxActive.Load())
	require.Less(t, time.Since(start), 190*time.Millisecond)
}

func TestPollOneResultPerArm(t *testing.T) {
	left, right := newFakeDevice(10, 50, 35), newFakeDevice(10, 50)
	right.push(step{err: rhx.ErrConnectionLost})
	c := newArms(t, left, right)
	r, err := c.Poll(context.TODO())
	require.ErrorIs(t, err, rhx.ErrConnectionLost)
	require.Len(t, r.Detections, 1)
	require.Len(t, r.Errors, 1)
	require.Contains(t, r.Errors, "right")
	require.Contains(t, err.Error(), "right")
}

func TestRunSkipsFailedRounds(t *testing.T) {
	left, right := newFakeDevice(10, 50, 35, 35, 20), newFakeDevice(10, 50)
	right.push(step{level: 0}, step{err: rhx.ErrStreamTimeout}, step{level: 40})
	c := newArms(t, left, right)
	c.MaxRounds = 3

	var lines []string
	err := c.Run(context.TODO(), SinkFunc(func(_ context.Context, r Round) error {
		lines = append(lines, CSVLine(r, DefaultOrder))
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, []string{"True, False", "False, True"}, lines)
}

func TestRunStopsAfterMaxRoundsWhenAllFail(t *testing.T) {
	left, right := newFakeDevice(10, 50), newFakeDevice(10, 50)
	for i := 0; i < 100; i++ {
		right.push(step{err: rhx.ErrConnectionLost})
	}
	c := newArms(t, left, right)
	c.Window = 20 * time.Millisecond
	c.MaxRounds = 3

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- c.Run(context.TODO(), SinkFunc(func(context.Context, Round) error {
			t.Error("no round should be emitted")
			return nil
		}))
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run kept polling a dead arm")
	}
	require.Equal(t, 3, c.seq)
	require.GreaterOrEqual(t, time.Since(start), 3*c.Window)
}

func TestRunAbort(t *testing.T) {
	left, right := newFakeDevice(10, 50, 35), newFakeDevice(10, 50)
	right.push(step{err: rhx.ErrProtocolDesync})
	c := newArms(t, left, right)
	c.Policy = PolicyAbort
	err := c.Run(context.TODO(), SinkFunc(func(context.Context, Round) error {
		t.Fatal("no round should be emitted")
		return nil
	}))
	require.ErrorIs(t, err, rhx.ErrProtocolDesync)
}

func TestRunStopsOnCancel(t *testing.T) {
	left, right := newFakeDevice(10, 50), newFakeDevice(10, 50)
	for i := 0; i < 1000; i++ {
		left.push(step{level: 1})
		right.push(step{level: 1})
	}
	c := newArms(t, left, right)
	c.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.TODO())
	n := 0
	err := c.Run(ctx, SinkFunc(func(context.Context, Round) error {
		if n++; n == 3 {
			cancel()
		}
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestDuplicateArms(t *testing.T) {
	s := NewSession("left", newFakeDevice(), nil, nil)
	_, err := NewCoordinator(time.Millisecond, s, s)
	require.Error(t, err)
	_, err = NewCoordinator(time.Millisecond)
	require.Error(t, err)
}

func TestParseErrorPolicy(t *testing.T) {
	p, err := ParseErrorPolicy("abort")
	require.NoError(t, err)
	require.Equal(t, PolicyAbort, p)
	p, err = ParseErrorPolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicySkip, p)
	_, err = ParseErrorPolicy("retry")
	require.Error(t, err)
}
