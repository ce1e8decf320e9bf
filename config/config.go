// Package config loads emgrx settings from a KEY=VALUE file and EMGRX_*
// environment variables, in that order, over built-in defaults.
package config

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/rhx"
)

const EnvPrefix = "EMGRX_"

// Arm is one controller client: its sockets, channel, and control bit.
type Arm struct {
	Name     string
	Command  string
	Waveform string
	// Spike is the optional spike socket address.
	Spike   string
	Channel rhx.Channel
	Bit     uint8
}

type Config struct {
	Arms         []string
	ArmSettings  map[string]*Arm
	ControlOrder []string

	Feature           string
	PeakWindow        int
	Percentile        float64
	WaveletTargetHz   float64
	WaveletScaleIndex int
	SpectralLowHz     float64
	SpectralHighHz    float64
	SpectralBins      int

	ThresholdRatio      float64
	CalibrationDuration time.Duration
	Window              time.Duration
	PollInterval        time.Duration
	Rounds              int
	ErrorPolicy         string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Settle         time.Duration
	DrainIdle      time.Duration
	Resync         bool

	ControlFile   string
	BitmaskFile   string
	MQTTBroker    string
	MQTTClientID  string
	MQTTTopic     string
	HTTPAddr      string
	RecordDir     string
	CalibrationDB string
}

// Default is two arms on one host: right on 5000/5001, left on 5002/5003,
// both reading channel a-023.
func Default() *Config {
	ch := rhx.Channel{Port: 'a', Index: 23}
	return &Config{
		Arms: []string{"right", "left"},
		ArmSettings: map[string]*Arm{
			"right": {Name: "right", Command: "127.0.0.1:5000", Waveform: "127.0.0.1:5001", Channel: ch, Bit: 0x01},
			"left":  {Name: "left", Command: "127.0.0.1:5002", Waveform: "127.0.0.1:5003", Channel: ch, Bit: 0x10},
		},
		ControlOrder: []string{"left", "right"},

		Feature:         features.DefaultPolicy,
		PeakWindow:      features.DefaultPeakWindow,
		Percentile:      0.9,
		WaveletTargetHz: features.DefaultWaveletTargetHz,
		SpectralLowHz:   20,
		SpectralHighHz:  450,
		SpectralBins:    1024,

		ThresholdRatio:      0.5,
		CalibrationDuration: 5 * time.Second,
		Window:              500 * time.Millisecond,
		ErrorPolicy:         "skip",

		ConnectTimeout: rhx.DefaultConnectTimeout,
		ReadTimeout:    rhx.DefaultReadTimeout,
		Settle:         rhx.DefaultSettle,
		DrainIdle:      rhx.DefaultDrainIdle,

		ControlFile:   "control.csv",
		MQTTClientID:  "emgrx",
		MQTTTopic:     "emgrx/control",
		CalibrationDB: "calibration.db",
	}
}

// Load applies the file at configPath, if any, then the environment.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	if configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(configPath string) error {
	file, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}
		if err := c.setValue(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func (c *Config) loadEnv(environ []string) error {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || value == "" {
			continue
		}
		if err := c.setValue(strings.TrimPrefix(key, EnvPrefix), value); err != nil {
			return fmt.Errorf("environment %s: %w", key, err)
		}
	}
	return nil
}

func splitList(value string) (ret []string) {
	for _, v := range strings.Split(value, ",") {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			ret = append(ret, v)
		}
	}
	return ret
}

func parseSeconds(key, value string) (time.Duration, error) {
	s, err := strconv.ParseFloat(value, 64)
	if err != nil || s < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, value)
	}
	return time.Duration(s * float64(time.Second)), nil
}

func parseMillis(key, value string) (time.Duration, error) {
	ms, err := strconv.Atoi(value)
	if err != nil || ms < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, value)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseFloat(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return f, nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func (c *Config) setValue(key, value string) (err error) {
	if strings.HasPrefix(key, "ARM_") {
		return c.setArmValue(key, value)
	}
	switch key {
	case "ARMS":
		c.Arms = splitList(value)
	case "CONTROL_ORDER":
		c.ControlOrder = splitList(value)

	case "FEATURE":
		c.Feature = strings.ToLower(value)
	case "PEAK_WINDOW":
		c.PeakWindow, err = parseInt(key, value)
	case "PERCENTILE":
		c.Percentile, err = parseFloat(key, value)
	case "WAVELET_TARGET_HZ":
		c.WaveletTargetHz, err = parseFloat(key, value)
	case "WAVELET_SCALE_INDEX":
		c.WaveletScaleIndex, err = parseInt(key, value)
	case "SPECTRAL_LOW_HZ":
		c.SpectralLowHz, err = parseFloat(key, value)
	case "SPECTRAL_HIGH_HZ":
		c.SpectralHighHz, err = parseFloat(key, value)
	case "SPECTRAL_BINS":
		c.SpectralBins, err = parseInt(key, value)

	case "THRESHOLD_RATIO":
		c.ThresholdRatio, err = parseFloat(key, value)
	case "CALIBRATION_SECONDS":
		c.CalibrationDuration, err = parseSeconds(key, value)
	case "WINDOW_SECONDS":
		c.Window, err = parseSeconds(key, value)
	case "POLL_INTERVAL_MS":
		c.PollInterval, err = parseMillis(key, value)
	case "ROUNDS":
		c.Rounds, err = parseInt(key, value)
	case "ERROR_POLICY":
		c.ErrorPolicy = strings.ToLower(value)

	case "CONNECT_TIMEOUT_MS":
		c.ConnectTimeout, err = parseMillis(key, value)
	case "READ_TIMEOUT_MS":
		c.ReadTimeout, err = parseMillis(key, value)
	case "SETTLE_MS":
		c.Settle, err = parseMillis(key, value)
	case "DRAIN_IDLE_MS":
		c.DrainIdle, err = parseMillis(key, value)
	case "RESYNC":
		c.Resync, err = strconv.ParseBool(value)

	case "CONTROL_FILE":
		c.ControlFile = value
	case "BITMASK_FILE":
		c.BitmaskFile = value
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_TOPIC":
		c.MQTTTopic = value
	case "HTTP_ADDR":
		c.HTTPAddr = value
	case "RECORD_DIR":
		c.RecordDir = value
	case "CALIBRATION_DB":
		c.CalibrationDB = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return err
}

// setArmValue handles ARM_<NAME>_{COMMAND,WAVEFORM,SPIKE,CHANNEL,BIT}.
func (c *Config) setArmValue(key, value string) error {
	rest := strings.TrimPrefix(key, "ARM_")
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return fmt.Errorf("unknown config key %q", key)
	}
	name, field := strings.ToLower(rest[:i]), rest[i+1:]
	arm := c.ArmSettings[name]
	if arm == nil {
		arm = &Arm{Name: name, Channel: rhx.Channel{Port: 'a', Index: 23}}
		c.ArmSettings[name] = arm
	}
	switch field {
	case "COMMAND":
		arm.Command = value
	case "WAVEFORM":
		arm.Waveform = value
	case "SPIKE":
		arm.Spike = value
	case "CHANNEL":
		ch, err := rhx.ParseChannel(value)
		if err != nil {
			return err
		}
		arm.Channel = ch
	case "BIT":
		b, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		arm.Bit = uint8(b)
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

func (c *Config) validate() error {
	if len(c.Arms) == 0 {
		return fmt.Errorf("ARMS must name at least one arm")
	}
	seen := make(map[string]bool)
	for _, name := range c.Arms {
		if seen[name] {
			return fmt.Errorf("arm %q listed twice", name)
		}
		seen[name] = true
		arm := c.ArmSettings[name]
		if arm == nil || arm.Command == "" || arm.Waveform == "" {
			return fmt.Errorf("arm %q needs ARM_%s_COMMAND and ARM_%s_WAVEFORM",
				name, strings.ToUpper(name), strings.ToUpper(name))
		}
	}
	for _, name := range c.ControlOrder {
		if !seen[name] {
			return fmt.Errorf("CONTROL_ORDER names unknown arm %q", name)
		}
	}
	if !slices.Contains(append(features.Policies(), "spectral"), c.Feature) {
		return fmt.Errorf("FEATURE must be one of %v or spectral, got %q", features.Policies(), c.Feature)
	}
	if c.ThresholdRatio < 0 || c.ThresholdRatio > 1 {
		return fmt.Errorf("THRESHOLD_RATIO must be within [0,1], got %g", c.ThresholdRatio)
	}
	if c.CalibrationDuration <= 0 || c.Window <= 0 {
		return fmt.Errorf("CALIBRATION_SECONDS and WINDOW_SECONDS must be positive")
	}
	if c.ErrorPolicy != "skip" && c.ErrorPolicy != "abort" {
		return fmt.Errorf("ERROR_POLICY must be skip or abort, got %q", c.ErrorPolicy)
	}
	return nil
}

// Arm returns the settings of a listed arm.
func (c *Config) Arm(name string) (*Arm, error) {
	if !slices.Contains(c.Arms, name) {
		return nil, fmt.Errorf("arm %q not in ARMS %v", name, c.Arms)
	}
	return c.ArmSettings[name], nil
}

func (c *Config) Bits() map[string]uint8 {
	bits := make(map[string]uint8, len(c.Arms))
	for _, name := range c.Arms {
		bits[name] = c.ArmSettings[name].Bit
	}
	return bits
}

func (a *Arm) Addrs() rhx.Addrs {
	return rhx.Addrs{Command: a.Command, Waveform: a.Waveform, Spike: a.Spike}
}

func (c *Config) Options() rhx.Options {
	return rhx.Options{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		Settle:         c.Settle,
		DrainIdle:      c.DrainIdle,
		Resync:         c.Resync,
	}
}

func (c *Config) FeatureParams() features.Params {
	return features.Params{
		PeakWindow:        c.PeakWindow,
		Percentile:        c.Percentile,
		WaveletTargetHz:   c.WaveletTargetHz,
		WaveletScaleIndex: c.WaveletScaleIndex,
	}
}
