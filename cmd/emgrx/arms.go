package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/chzchzchz/emgrx/config"
	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/flex"
	"github.com/chzchzchz/emgrx/rhx"
	"github.com/chzchzchz/emgrx/spectrum"
	"github.com/chzchzchz/emgrx/store"
)

// arm is one opened controller and the session driving it.
type arm struct {
	cfg     *config.Arm
	acq     *rhx.Acquisition
	session *flex.Session
}

type arms []*arm

func (as arms) Close() {
	for _, a := range as {
		if err := a.acq.Close(); err != nil {
			log.WithError(err).WithField("arm", a.cfg.Name).Warn("close")
		}
	}
}

func (as arms) sessions() []*flex.Session {
	ret := make([]*flex.Session, len(as))
	for i, a := range as {
		ret[i] = a.session
	}
	return ret
}

func newExtractor(cfg *config.Config) (features.Extractor, error) {
	if cfg.Feature == spectrum.PolicySpectral {
		return spectrum.NewBandPower(cfg.SpectralLowHz, cfg.SpectralHighHz, cfg.SpectralBins), nil
	}
	return features.New(cfg.Feature, cfg.FeatureParams())
}

func armNames(cfg *config.Config) []string {
	if len(armFlags) > 0 {
		return armFlags
	}
	return cfg.Arms
}

// openArms connects every selected arm. Each gets its own extractor since
// rate-aware extractors hold per-arm state.
func openArms(ctx context.Context, cfg *config.Config) (as arms, err error) {
	defer func() {
		if err != nil {
			as.Close()
		}
	}()
	var rs *store.RecordingStore
	if cfg.RecordDir != "" {
		if rs, err = store.NewRecordingStore(cfg.RecordDir); err != nil {
			return nil, err
		}
	}
	for _, name := range armNames(cfg) {
		ac, err := cfg.Arm(name)
		if err != nil {
			return as, err
		}
		ext, err := newExtractor(cfg)
		if err != nil {
			return as, err
		}
		acq, err := rhx.Open(ctx, ac.Addrs(), cfg.Options())
		if err != nil {
			return as, fmt.Errorf("%s: %w", name, err)
		}
		cal := flex.NewCalibrator(cfg.ThresholdRatio, flex.NewConsolePrompter(os.Stdout))
		if rs != nil {
			cal.OnRecording = recordingHook(rs, acq)
		}
		as = append(as, &arm{cfg: ac, acq: acq, session: flex.NewSession(name, acq, ext, cal)})
	}
	return as, nil
}

func recordingHook(rs *store.RecordingStore, acq *rhx.Acquisition) func(string, flex.Phase, *rhx.Waveform) {
	return func(name string, phase flex.Phase, w *rhx.Waveform) {
		rate := 1 / acq.Waveform.Decoder().Timestep
		path, err := rs.WriteWaveform(name, string(phase), w, rate)
		l := log.WithFields(log.Fields{"arm": name, "phase": phase})
		if err != nil {
			l.WithError(err).Warn("saving calibration window")
			return
		}
		l.WithField("path", path).Debug("saved calibration window")
	}
}

func loadCalibrations(cfg *config.Config) *store.CalibrationStore {
	cs := store.NewCalibrationStore()
	if err := cs.Load(cfg.CalibrationDB); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("ignoring calibration db")
	}
	return cs
}

// setup configures every arm, then restores a stored calibration unless
// recalibrate is set or the stored one no longer fits.
func setup(ctx context.Context, cfg *config.Config, as arms, cs *store.CalibrationStore, recalibrate bool) error {
	for _, a := range as {
		l := log.WithFields(log.Fields{"arm": a.cfg.Name, "channel": a.cfg.Channel})
		if err := a.session.Configure(a.cfg.Channel, true); err != nil {
			return fmt.Errorf("%s: %w", a.cfg.Name, err)
		}
		if c, ok := cs.Get(a.cfg.Name); ok && !recalibrate {
			err := a.session.Restore(c, true)
			if err == nil {
				l.WithField("threshold", c.Threshold).Info("restored calibration")
				continue
			}
			l.WithError(err).Info("stored calibration unusable")
		}
		c, err := a.session.Calibrate(ctx, cfg.CalibrationDuration, true)
		if err != nil {
			return fmt.Errorf("%s: %w", a.cfg.Name, err)
		}
		cs.Put(c)
		if err := cs.Save(cfg.CalibrationDB); err != nil {
			return err
		}
	}
	return nil
}
