package flex

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chzchzchz/emgrx/features"
	"github.com/chzchzchz/emgrx/rhx"
)

const DefaultRatio = 0.5

type Phase string

const (
	PhaseRest Phase = "rest"
	PhaseFlex Phase = "flex"
)

type Calibration struct {
	Arm          string
	Channel      string
	Policy       string
	Params       string
	SampleRateHz float64
	Rest         float64
	Flex         float64
	Ratio        float64
	Threshold    float64
	At           time.Time
}

// Threshold places the decision point ratio of the way from rest to flex.
func Threshold(rest, flex, ratio float64) float64 {
	return rest + ratio*(flex-rest)
}

// Calibrator measures the rest and flex feature levels of one arm.
type Calibrator struct {
	Ratio    float64
	Prompter Prompter
	// OnRecording, if set, receives every calibration window.
	OnRecording func(arm string, phase Phase, w *rhx.Waveform)
}

func NewCalibrator(ratio float64, p Prompter) *Calibrator {
	return &Calibrator{Ratio: ratio, Prompter: p}
}

func (c *Calibrator) Run(ctx context.Context, arm string, rec Recorder, ext features.Extractor, d time.Duration) (Calibration, error) {
	if c.Ratio < 0 || c.Ratio > 1 {
		return Calibration{}, fmt.Errorf("threshold ratio %g outside [0,1]", c.Ratio)
	}
	levels := make(map[Phase]float64, 2)
	for _, phase := range []Phase{PhaseRest, PhaseFlex} {
		if err := c.Prompter.Prompt(ctx, arm, phase, d); err != nil {
			return Calibration{}, err
		}
		w, err := rec.RecordAndRead(ctx, d)
		if err != nil {
			return Calibration{}, fmt.Errorf("%s calibration: %w", phase, err)
		}
		if c.OnRecording != nil {
			c.OnRecording(arm, phase, w)
		}
		levels[phase] = ext.Extract(w.Channel(0))
	}
	rest, flex := levels[PhaseRest], levels[PhaseFlex]
	cal := Calibration{
		Arm:       arm,
		Policy:    ext.Name(),
		Params:    features.Fingerprint(ext),
		Rest:      rest,
		Flex:      flex,
		Ratio:     c.Ratio,
		Threshold: Threshold(rest, flex, c.Ratio),
		At:        time.Now(),
	}
	l := log.WithFields(log.Fields{"arm": arm, "rest": rest, "flex": flex, "threshold": cal.Threshold})
	if flex <= rest {
		l.Warn("flex level not above rest level")
	} else {
		l.Info("calibrated")
	}
	return cal, nil
}
