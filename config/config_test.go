package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chzchzchz/emgrx/rhx"
)

func writeConfig(t *testing.T, body string) string {
	p := filepath.Join(t.TempDir(), "emgrx.conf")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, []string{"right", "left"}, cfg.Arms)
	right, err := cfg.Arm("right")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5000", right.Command)
	require.Equal(t, "127.0.0.1:5001", right.Waveform)
	require.Empty(t, right.Spike)
	require.Equal(t, "a-023", right.Channel.String())
	require.Equal(t, map[string]uint8{"left": 0x10, "right": 0x01}, cfg.Bits())
	require.Equal(t, "wavelet", cfg.Feature)
	require.Equal(t, 0.5, cfg.ThresholdRatio)
	require.Equal(t, rhx.DefaultSettle, cfg.Options().Settle)
}

func TestLoadFile(t *testing.T) {
	p := writeConfig(t, `
# one arm on a remote controller
ARMS = tail
ARM_TAIL_COMMAND = 10.0.0.2:5000
ARM_TAIL_WAVEFORM = 10.0.0.2:5001
ARM_TAIL_SPIKE = 10.0.0.2:5002
ARM_TAIL_CHANNEL = b-007
ARM_TAIL_BIT = 0x04
CONTROL_ORDER = tail
FEATURE = peakmean
PEAK_WINDOW = 5
WINDOW_SECONDS = 0.25
POLL_INTERVAL_MS = 200
ERROR_POLICY = abort
RESYNC = true
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	tail, err := cfg.Arm("tail")
	require.NoError(t, err)
	require.Equal(t, rhx.Channel{Port: 'b', Index: 7}, tail.Channel)
	require.Equal(t, uint8(4), tail.Bit)
	require.Equal(t, rhx.Addrs{Command: "10.0.0.2:5000", Waveform: "10.0.0.2:5001", Spike: "10.0.0.2:5002"}, tail.Addrs())
	require.Equal(t, 250*time.Millisecond, cfg.Window)
	require.Equal(t, 200*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 5, cfg.FeatureParams().PeakWindow)
	require.True(t, cfg.Options().Resync)
	require.Equal(t, "abort", cfg.ErrorPolicy)
	_, err = cfg.Arm("left")
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "THRESHOLD_RATIO = 0.3\nFEATURE = absmean\n")
	t.Setenv("EMGRX_THRESHOLD_RATIO", "0.7")
	t.Setenv("EMGRX_ARM_LEFT_COMMAND", "192.168.1.5:5000")
	cfg, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 0.7, cfg.ThresholdRatio)
	require.Equal(t, "absmean", cfg.Feature)
	require.Equal(t, "192.168.1.5:5000", cfg.ArmSettings["left"].Command)
}

func TestLoadErrors(t *testing.T) {
	for name, body := range map[string]string{
		"no equals":     "FEATURE wavelet\n",
		"unknown key":   "COLOR = blue\n",
		"bad ratio":     "THRESHOLD_RATIO = 2\n",
		"bad feature":   "FEATURE = fft\n",
		"bad channel":   "ARM_LEFT_CHANNEL = z-1\n",
		"bad bit":       "ARM_LEFT_BIT = 300\n",
		"missing addrs": "ARMS = left, tail\n",
		"dup arm":       "ARMS = left, left\n",
		"bad order":     "CONTROL_ORDER = left, tail\n",
		"bad policy":    "ERROR_POLICY = retry\n",
		"zero window":   "WINDOW_SECONDS = 0\n",
		"bad millis":    "SETTLE_MS = soon\n",
	} {
		_, err := Load(writeConfig(t, body))
		require.Error(t, err, name)
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	require.Error(t, err)

	t.Setenv("EMGRX_ROUNDS", "many")
	_, err = Load("")
	require.Error(t, err)
}
