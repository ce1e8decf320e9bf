// Package flex turns EMG windows into flexed/relaxed decisions per arm.
package flex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/rhx"
)

var (
	ErrReconfigurationRejected = errors.New("session already calibrated, override required")
	ErrNotConfigured           = errors.New("session not configured")
	ErrNotCalibrated           = errors.New("session not calibrated")
)

type Recorder interface {
	RecordAndRead(ctx context.Context, d time.Duration) (*rhx.Waveform, error)
}

// Device is one controller connection dedicated to a session.
type Device interface {
	Recorder
	Configure(chs ...rhx.Channel) (float64, error)
}

// SpikeSource is a device that also reports controller-detected spikes.
type SpikeSource interface {
	ReadSpikes() ([]rhx.Spike, error)
}

type State int

const (
	Uninitialized State = iota
	Configured
	Calibrated
	Detecting
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Calibrated:
		return "calibrated"
	case Detecting:
		return "detecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Detection is the outcome of one window.
type Detection struct {
	Arm       string
	Channel   string
	Feature   float64
	Threshold float64
	Flexed    bool
	Samples   int
	// Spikes counts controller spike events seen during the window.
	Spikes int
	At     time.Time
}

// Session binds one arm to its device, extractor, and calibration. Once
// calibrated it refuses reconfiguration unless overridden.
type Session struct {
	Name string

	dev Device
	ext features.Extractor
	cal *Calibrator

	mu      sync.Mutex
	state   State
	channel rhx.Channel
	rate    float64
	calib   Calibration
	last    Detection
}

func NewSession(name string, dev Device, ext features.Extractor, cal *Calibrator) *Session {
	if cal == nil {
		cal = NewCalibrator(DefaultRatio, NopPrompter{})
	}
	return &Session{Name: name, dev: dev, ext: ext, cal: cal}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Calibration() Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calib
}

func (s *Session) Threshold() float64 { return s.Calibration().Threshold }

func (s *Session) guard(override bool) error {
	if st := s.State(); st >= Calibrated && !override {
		return fmt.Errorf("%w: %s is %s", ErrReconfigurationRejected, s.Name, st)
	}
	return nil
}

// Configure enables ch on the device. A failed attempt leaves the session
// uninitialized since the device may be half configured.
func (s *Session) Configure(ch rhx.Channel, override bool) error {
	if err := s.guard(override); err != nil {
		return err
	}
	rate, err := s.dev.Configure(ch)
	if err != nil {
		s.mu.Lock()
		s.state, s.calib = Uninitialized, Calibration{}
		s.mu.Unlock()
		return err
	}
	if ra, ok := s.ext.(features.RateAware); ok {
		ra.SetSampleRate(rate)
	}
	s.mu.Lock()
	s.channel, s.rate, s.state, s.calib = ch, rate, Configured, Calibration{}
	s.mu.Unlock()
	log.WithFields(log.Fields{"arm": s.Name, "channel": ch, "rate": rate}).Info("session configured")
	return nil
}

// Calibrate measures rest and flex and replaces the threshold only on success.
func (s *Session) Calibrate(ctx context.Context, d time.Duration, override bool) (Calibration, error) {
	if s.State() < Configured {
		return Calibration{}, ErrNotConfigured
	}
	if err := s.guard(override); err != nil {
		return Calibration{}, err
	}
	c, err := s.cal.Run(ctx, s.Name, s.dev, s.ext, d)
	if err != nil {
		return Calibration{}, err
	}
	s.mu.Lock()
	c.Channel, c.SampleRateHz = s.channel.String(), s.rate
	s.calib, s.state = c, Calibrated
	s.mu.Unlock()
	return c, nil
}

// Setup configures and calibrates in one step.
func (s *Session) Setup(ctx context.Context, ch rhx.Channel, d time.Duration, override bool) (Calibration, error) {
	if err := s.guard(override); err != nil {
		return Calibration{}, err
	}
	if err := s.Configure(ch, true); err != nil {
		return Calibration{}, err
	}
	return s.Calibrate(ctx, d, true)
}

// Restore installs a stored calibration for the configured channel.
func (s *Session) Restore(c Calibration, override bool) error {
	if s.State() < Configured {
		return ErrNotConfigured
	}
	if err := s.guard(override); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Channel != s.channel.String() {
		return fmt.Errorf("calibration for %s, session on %s", c.Channel, s.channel)
	}
	if c.Policy != s.ext.Name() {
		return fmt.Errorf("calibration used %s, session uses %s", c.Policy, s.ext.Name())
	}
	if c.SampleRateHz != s.rate {
		return fmt.Errorf("calibration at %gHz, session at %gHz", c.SampleRateHz, s.rate)
	}
	if p := features.Fingerprint(s.ext); c.Params != p {
		return fmt.Errorf("calibration used %s %q, session uses %q", c.Policy, c.Params, p)
	}
	s.calib, s.state = c, Calibrated
	return nil
}

// Detect records one window and compares its feature to the threshold.
func (s *Session) Detect(ctx context.Context, window time.Duration) (Detection, error) {
	s.mu.Lock()
	st, thr, ch := s.state, s.calib.Threshold, s.channel
	s.mu.Unlock()
	if st < Calibrated {
		return Detection{}, fmt.Errorf("%w: %s", ErrNotCalibrated, s.Name)
	}
	w, err := s.dev.RecordAndRead(ctx, window)
	if err != nil {
		return Detection{}, err
	}
	f := s.ext.Extract(w.Channel(0))
	d := Detection{
		Arm:       s.Name,
		Channel:   ch.String(),
		Feature:   f,
		Threshold: thr,
		Flexed:    f > thr,
		Samples:   w.Len(),
		At:        time.Now(),
	}
	if ss, ok := s.dev.(SpikeSource); ok {
		spikes, err := ss.ReadSpikes()
		if err != nil {
			log.WithError(err).WithField("arm", s.Name).Warn("reading spikes")
		}
		d.Spikes = len(spikes)
	}
	s.mu.Lock()
	s.state, s.last = Detecting, d
	s.mu.Unlock()
	return d, nil
}

type Status struct {
	Name         string
	Channel      string
	State        string
	SampleRateHz float64
	Policy       string
	Calibration  Calibration
	Last         Detection
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:         s.Name,
		State:        s.state.String(),
		SampleRateHz: s.rate,
		Policy:       s.ext.Name(),
		Calibration:  s.calib,
		Last:         s.last,
	}
	if s.state >= Configured {
		st.Channel = s.channel.String()
	}
	return st
}
