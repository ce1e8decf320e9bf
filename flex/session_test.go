package flex

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/rhx"
)

var errDevice = errors.New("device failure")

type step struct {
	level float64
	err   error
}

// fakeDevice returns constant-level windows from a script of steps.
type fakeDevice struct {
	mu        sync.Mutex
	steps     []step
	channels  []rhx.Channel
	configErr error
	delay     time.Duration

	active, maxActive *atomic.Int32
}

func newFakeDevice(levels ...float64) *fakeDevice {
	d := &fakeDevice{active: new(atomic.Int32), maxActive: new(atomic.Int32)}
	for _, l := range levels {
		d.steps = append(d.steps, step{level: l})
	}
	return d
}

func (d *fakeDevice) push(s ...step) {
	d.mu.Lock()
	d.steps = append(d.steps, s...)
	d.mu.Unlock()
}

func (d *fakeDevice) Configure(chs ...rhx.Channel) (float64, error) {
	if d.configErr != nil {
		return 0, d.configErr
	}
	d.channels = chs
	return 1000, nil
}

func (d *fakeDevice) RecordAndRead(ctx context.Context, dur time.Duration) (*rhx.Waveform, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxActive.Load()
		if n <= m || d.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.steps) == 0 {
		return nil, errDevice
	}
	s := d.steps[0]
	d.steps = d.steps[1:]
	if s.err != nil {
		return nil, s.err
	}
	w := &rhx.Waveform{Timestamps: make([]float64, 16), Channels: [][]float64{make([]float64, 16)}}
	for i := range w.Channels[0] {
		w.Channels[0][i] = s.level
		if i%2 == 1 {
			w.Channels[0][i] = -s.level
		}
	}
	return w, nil
}

var testChannel = rhx.Channel{Port: 'a', Index: 23}

func newCalibratedSession(t *testing.T, name string, dev *fakeDevice) *Session {
	s := NewSession(name, dev, features.AbsMean{}, NewCalibrator(0.5, NopPrompter{}))
	_, err := s.Setup(context.TODO(), testChannel, time.Millisecond, false)
	require.NoError(t, err)
	return s
}

func TestCalibrateThenDetect(t *testing.T) {
	dev := newFakeDevice(10, 50, 35, 20)
	s := newCalibratedSession(t, "right", dev)
	require.Equal(t, Calibrated, s.State())
	c := s.Calibration()
	require.InDelta(t, 10, c.Rest, 1e-12)
	require.InDelta(t, 50, c.Flex, 1e-12)
	require.InDelta(t, 30, c.Threshold, 1e-12)
	require.Equal(t, "a-023", c.Channel)
	require.Equal(t, features.PolicyAbsMean, c.Policy)
	require.Equal(t, []rhx.Channel{testChannel}, dev.channels)

	d, err := s.Detect(context.TODO(), time.Millisecond)
	require.NoError(t, err)
	require.True(t, d.Flexed)
	require.InDelta(t, 35, d.Feature, 1e-12)
	require.Equal(t, Detecting, s.State())

	d, err = s.Detect(context.TODO(), time.Millisecond)
	require.NoError(t, err)
	require.False(t, d.Flexed)
	require.InDelta(t, 30, s.Threshold(), 1e-12)
}

func TestDetectAtThresholdIsNotFlexed(t *testing.T) {
	s := newCalibratedSession(t, "right", newFakeDevice(10, 50, 30))
	d, err := s.Detect(context.TODO(), time.Millisecond)
	require.NoError(t, err)
	require.False(t, d.Flexed)
}

func TestDetectBeforeCalibration(t *testing.T) {
	s := NewSession("left", newFakeDevice(1), features.AbsMean{}, nil)
	_, err := s.Detect(context.TODO(), time.Millisecond)
	require.ErrorIs(t, err, ErrNotCalibrated)
	_, err = s.Calibrate(context.TODO(), time.Millisecond, false)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestReconfigurationRejected(t *testing.T) {
	dev := newFakeDevice(10, 50)
	s := newCalibratedSession(t, "left", dev)
	other := rhx.Channel{Port: 'a', Index: 10}

	_, err := s.Setup(context.TODO(), other, time.Millisecond, false)
	require.ErrorIs(t, err, ErrReconfigurationRejected)
	require.ErrorIs(t, s.Configure(other, false), ErrReconfigurationRejected)
	_, err = s.Calibrate(context.TODO(), time.Millisecond, false)
	require.ErrorIs(t, err, ErrReconfigurationRejected)

	require.InDelta(t, 30, s.Threshold(), 1e-12)
	require.Equal(t, Calibrated, s.State())
	require.Equal(t, []rhx.Channel{testChannel}, dev.channels)
}

func TestRecalibrateOverride(t *testing.T) {
	dev := newFakeDevice(10, 50)
	s := newCalibratedSession(t, "left", dev)
	dev.push(step{level: 20}, step{level: 100})
	c, err := s.Calibrate(context.TODO(), time.Millisecond, true)
	require.NoError(t, err)
	require.InDelta(t, 60, c.Threshold, 1e-12)
	require.InDelta(t, 60, s.Threshold(), 1e-12)
}

func TestFailedRecalibrationKeepsThreshold(t *testing.T) {
	dev := newFakeDevice(10, 50)
	s := newCalibratedSession(t, "left", dev)
	dev.push(step{level: 20}, step{err: rhx.ErrStreamTimeout})
	_, err := s.Calibrate(context.TODO(), time.Millisecond, true)
	require.ErrorIs(t, err, rhx.ErrStreamTimeout)
	require.InDelta(t, 30, s.Threshold(), 1e-12)
	require.Equal(t, Calibrated, s.State())
}

func TestFailedConfigureUninitializes(t *testing.T) {
	dev := newFakeDevice(10, 50)
	s := newCalibratedSession(t, "left", dev)
	dev.configErr = rhx.ErrUnexpectedReply
	_, err := s.Setup(context.TODO(), testChannel, time.Millisecond, true)
	require.ErrorIs(t, err, rhx.ErrUnexpectedReply)
	require.Equal(t, Uninitialized, s.State())
	require.Zero(t, s.Threshold())
}

func TestRestore(t *testing.T) {
	s := NewSession("right", newFakeDevice(), features.AbsMean{}, nil)
	c := Calibration{Channel: "a-023", Policy: features.PolicyAbsMean, SampleRateHz: 1000, Threshold: 12}
	require.ErrorIs(t, s.Restore(c, false), ErrNotConfigured)
	require.NoError(t, s.Configure(testChannel, false))

	bad := c
	bad.Channel = "a-010"
	require.Error(t, s.Restore(bad, false))
	bad = c
	bad.Policy = features.PolicyWavelet
	require.Error(t, s.Restore(bad, false))
	bad = c
	bad.SampleRateHz = 30000
	require.Error(t, s.Restore(bad, false))

	require.NoError(t, s.Restore(c, false))
	require.Equal(t, 12.0, s.Threshold())
	require.ErrorIs(t, s.Restore(c, false), ErrReconfigurationRejected)
	require.NoError(t, s.Restore(c, true))
}

type spikingDevice struct {
	*fakeDevice
	spikes []rhx.Spike
	err    error
}

func (d *spikingDevice) ReadSpikes() ([]rhx.Spike, error) { return d.spikes, d.err }

func TestDetectCountsSpikes(t *testing.T) {
	dev := &spikingDevice{fakeDevice: newFakeDevice(10, 50, 35, 35)}
	s := NewSession("left", dev, features.AbsMean{}, nil)
	_, err := s.Setup(context.TODO(), testChannel, time.Millisecond, false)
	require.NoError(t, err)

	dev.spikes = []rhx.Spike{{Channel: "A-023", Timestamp: 1, ID: 1}, {Channel: "A-023", Timestamp: 9, ID: 1}}
	d, err := s.Detect(context.TODO(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 2, d.Spikes)
	require.True(t, d.Flexed)

	// a spike socket failure does not cost the window
	dev.spikes, dev.err = nil, rhx.ErrConnectionLost
	d, err = s.Detect(context.TODO(), time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, d.Spikes)
	require.True(t, d.Flexed)
}

func TestRestoreRejectsOtherFeatureSettings(t *testing.T) {
	s := NewSession("left", newFakeDevice(10, 50), features.NewWavelet(100, 0), nil)
	require.NoError(t, s.Configure(testChannel, false))
	c, err := s.Calibrate(context.TODO(), time.Millisecond, false)
	require.NoError(t, err)
	require.Equal(t, 1000.0, c.SampleRateHz)
	require.Equal(t, "scale=1", c.Params)

	// same policy and rate, but a different target frequency picks another scale
	other := NewSession("left", newFakeDevice(), features.NewWavelet(10, 0), nil)
	require.NoError(t, other.Configure(testChannel, false))
	require.Error(t, other.Restore(c, false))
	require.Equal(t, Configured, other.State())

	same := NewSession("left", newFakeDevice(), features.NewWavelet(100, 0), nil)
	require.NoError(t, same.Configure(testChannel, false))
	require.NoError(t, same.Restore(c, false))
	require.Equal(t, c.Threshold, same.Threshold())
}

func TestThresholdMonotonic(t *testing.T) {
	for _, rf := range [][2]float64{{0, 1}, {10, 50}, {-3, 7}, {100, 100.5}} {
		rest, flex := rf[0], rf[1]
		prev := Threshold(rest, flex, 0)
		require.Equal(t, rest, prev)
		for r := 0.05; r <= 1.0001; r += 0.05 {
			th := Threshold(rest, flex, r)
			require.Greater(t, th, prev)
			require.GreaterOrEqual(t, th, rest)
			require.LessOrEqual(t, th, flex+1e-9)
			prev = th
		}
		require.InDelta(t, flex, Threshold(rest, flex, 1), 1e-9)
	}
}

func TestCalibratorRejectsRatio(t *testing.T) {
	c := NewCalibrator(1.5, NopPrompter{})
	_, err := c.Run(context.TODO(), "left", newFakeDevice(1, 2), features.AbsMean{}, time.Millisecond)
	require.Error(t, err)
}

func TestCalibratorRecordsWindows(t *testing.T) {
	c := NewCalibrator(0.5, NopPrompter{})
	var phases []Phase
	c.OnRecording = func(arm string, p Phase, w *rhx.Waveform) {
		require.Equal(t, "left", arm)
		phases = append(phases, p)
	}
	_, err := c.Run(context.TODO(), "left", newFakeDevice(1, 2), features.AbsMean{}, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []Phase{PhaseRest, PhaseFlex}, phases)
}

func TestConsolePrompter(t *testing.T) {
	var buf bytes.Buffer
	p := &ConsolePrompter{W: &buf, Countdown: 2}
	require.NoError(t, p.Prompt(context.TODO(), "left", PhaseRest, time.Second))
	require.Contains(t, buf.String(), "Relax your left arm")
	require.Contains(t, buf.String(), "2...")
	require.Contains(t, buf.String(), "Go!")

	ctx, cancel := context.WithCancel(context.TODO())
	cancel()
	p.Tick = time.Hour
	require.ErrorIs(t, p.Prompt(ctx, "left", PhaseFlex, time.Second), context.Canceled)
}
