package rhx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chzchzchz/emgrx/rhx"
	"github.com/chzchzchz/emgrx/rhx/rhxtest"
)

const testRate = 12800

func testOptions() rhx.Options {
	opts := rhx.DefaultOptions()
	opts.Settle = 5 * time.Millisecond
	opts.ReadTimeout = time.Second
	opts.DrainIdle = 50 * time.Millisecond
	return opts
}

func newTestController(t *testing.T, cfg rhxtest.Config) (*rhxtest.Server, *rhx.Acquisition) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = testRate
	}
	srv, err := rhxtest.NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
	defer cancel()
	acq, err := rhx.Open(ctx, srv.Addrs(), testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { acq.Close() })
	return srv, acq
}

func requireRunMode(t *testing.T, srv *rhxtest.Server, m rhx.RunMode) {
	require.Eventually(t, func() bool { return srv.RunMode() == m }, time.Second, 5*time.Millisecond)
}

func requireCommand(t *testing.T, srv *rhxtest.Server, cmd string) {
	require.Eventually(t, func() bool {
		for _, c := range srv.Commands() {
			if c == cmd {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, cmd)
}

func TestQuerySampleRate(t *testing.T) {
	_, acq := newTestController(t, rhxtest.Config{SampleRate: 30000})
	hz, err := acq.SampleRate()
	require.NoError(t, err)
	require.Equal(t, 30000.0, hz)
}

func TestQueryUnexpectedReply(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{})
	srv.SetReply("sampleratehertz", "Error: unrecognized parameter")
	_, err := acq.SampleRate()
	require.ErrorIs(t, err, rhx.ErrUnexpectedReply)

	srv.SetReply("sampleratehertz", "Return: SampleRateHertz fast")
	_, err = acq.SampleRate()
	require.ErrorIs(t, err, rhx.ErrUnexpectedReply)
}

func TestStopIfRunning(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{})
	require.NoError(t, acq.SetRunMode(rhx.RunModeRun))
	requireRunMode(t, srv, rhx.RunModeRun)
	m, err := acq.RunMode()
	require.NoError(t, err)
	require.Equal(t, rhx.RunModeRun, m)

	require.NoError(t, acq.StopIfRunning())
	requireRunMode(t, srv, rhx.RunModeStop)
}

func TestConfigureEnablesOnlyRequested(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{})
	a10 := rhx.Channel{Port: 'a', Index: 10}
	a23 := rhx.Channel{Port: 'a', Index: 23}
	_, err := acq.Configure(a10)
	require.NoError(t, err)
	rate, err := acq.Configure(a23)
	require.NoError(t, err)
	require.Equal(t, float64(testRate), rate)
	require.Equal(t, []string{"a-023"}, srv.Enabled())
	require.Equal(t, 1, acq.Waveform.Decoder().Shape.Channels)
	require.InDelta(t, 1.0/testRate, acq.Waveform.Decoder().Timestep, 1e-15)
}

func TestControllerType(t *testing.T) {
	_, acq := newTestController(t, rhxtest.Config{Type: rhx.ControllerStimRecord})
	ct, err := acq.Type()
	require.NoError(t, err)
	require.True(t, ct.IsStim())
	require.Equal(t, ".rhs", ct.FileSuffix())
	require.Equal(t, ".rhd", rhx.ControllerRecordUSB3.FileSuffix())
}

func TestStimRequiresStimController(t *testing.T) {
	_, acq := newTestController(t, rhxtest.Config{Type: rhx.ControllerRecordUSB3})
	err := acq.ConfigureStim(rhx.Channel{Port: 'a', Index: 10}, rhx.StimParams{AmplitudeMicroamps: 10})
	require.ErrorIs(t, err, rhx.ErrControllerType)
}

func TestStimCommands(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{Type: rhx.ControllerStimRecord})
	ch := rhx.Channel{Port: 'a', Index: 10}
	require.NoError(t, acq.ConfigureStim(ch, rhx.StimParams{AmplitudeMicroamps: 10, DurationMicroseconds: 500}))
	require.NoError(t, acq.TriggerStim("f1"))
	for _, cmd := range []string{
		"set a-010.stimenabled true",
		"set a-010.source keypressf1",
		"set a-010.firstphaseamplitudemicroamps 10",
		"set a-010.firstphasedurationmicroseconds 500",
		"execute manualstimtriggerpulse f1",
	} {
		requireCommand(t, srv, cmd)
	}
}

func TestRecordToDisk(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{})
	require.NoError(t, acq.SetRecordTarget("/data", "session"))
	require.NoError(t, acq.RecordToDisk(context.TODO(), 20*time.Millisecond))
	requireCommand(t, srv, "set filename.basefilename session")
	requireCommand(t, srv, "set filename.path /data")
	requireCommand(t, srv, "set runmode record")
	requireCommand(t, srv, "set runmode stop")
	requireRunMode(t, srv, rhx.RunModeStop)
}

func TestOpenRefused(t *testing.T) {
	srv, err := rhxtest.NewServer(rhxtest.Config{})
	require.NoError(t, err)
	addrs := srv.Addrs()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
	defer cancel()
	_, err = rhx.Open(ctx, addrs, testOptions())
	require.ErrorIs(t, err, rhx.ErrConnection)
}

func TestSpikesDuringWindow(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{Signal: rhxtest.Sine(100, 50), SpikeUV: 50})
	require.NotEmpty(t, srv.Addrs().Spike)
	require.NotNil(t, acq.Spikes)

	ch := rhx.Channel{Port: 'a', Index: 10}
	_, err := acq.Configure(ch)
	require.NoError(t, err)
	requireCommand(t, srv, "set a-010.tcpdataoutputenabledspike true")
	require.Equal(t, []string{"a-010"}, srv.Spiking())

	_, err = acq.RecordAndRead(context.TODO(), 200*time.Millisecond)
	require.NoError(t, err)
	spikes, err := acq.ReadSpikes()
	require.NoError(t, err)
	// two rising crossings per 50 Hz cycle
	require.NotEmpty(t, spikes)
	for i, s := range spikes {
		require.Equal(t, "A-010", s.Channel)
		require.Equal(t, uint8(1), s.ID)
		if i > 0 {
			require.Greater(t, s.Timestamp, spikes[i-1].Timestamp)
		}
	}

	spikes, err = acq.ReadSpikes()
	require.NoError(t, err)
	require.Empty(t, spikes)
}

func TestNoSpikeSocket(t *testing.T) {
	srv, acq := newTestController(t, rhxtest.Config{})
	require.Empty(t, srv.Addrs().Spike)
	_, err := acq.Configure(rhx.Channel{Port: 'a', Index: 10})
	require.NoError(t, err)
	require.Empty(t, srv.Spiking())
	spikes, err := acq.ReadSpikes()
	require.NoError(t, err)
	require.Nil(t, spikes)
}
