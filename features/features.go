// Package features reduces a window of EMG samples to one activation level.
package features

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Extractor maps a window of microvolt samples to a scalar. Implementations
// are deterministic and return 0 for an empty window.
type Extractor interface {
	Name() string
	Extract(samples []float64) float64
}

// RateAware extractors need the sample rate before use.
type RateAware interface {
	SetSampleRate(hz float64)
}

const (
	PolicyAbsMean    = "absmean"
	PolicyPeakMean   = "peakmean"
	PolicyWavelet    = "wavelet"
	PolicyStdDev     = "stddev"
	PolicyPercentile = "percentile"

	DefaultPolicy     = PolicyWavelet
	DefaultPeakWindow = 3
)

type Params struct {
	PeakWindow int
	// Percentile in (0,1) for the percentile policy.
	Percentile float64
	// WaveletTargetHz picks the CWT scale closest to this frequency.
	WaveletTargetHz float64
	// WaveletScaleIndex is used when WaveletTargetHz is zero.
	WaveletScaleIndex int
}

func DefaultParams() Params {
	return Params{
		PeakWindow:      DefaultPeakWindow,
		Percentile:      0.9,
		WaveletTargetHz: DefaultWaveletTargetHz,
	}
}

func Policies() []string {
	return []string{PolicyAbsMean, PolicyPeakMean, PolicyWavelet, PolicyStdDev, PolicyPercentile}
}

func New(policy string, p Params) (Extractor, error) {
	switch policy {
	case PolicyAbsMean:
		return AbsMean{}, nil
	case PolicyPeakMean:
		if p.PeakWindow <= 0 {
			return nil, fmt.Errorf("peak window must be positive, got %d", p.PeakWindow)
		}
		return PeakMean{Window: p.PeakWindow}, nil
	case PolicyWavelet, "":
		return NewWavelet(p.WaveletTargetHz, p.WaveletScaleIndex), nil
	case PolicyStdDev:
		return StdDev{}, nil
	case PolicyPercentile:
		if p.Percentile <= 0 || p.Percentile >= 1 {
			return nil, fmt.Errorf("percentile must be in (0,1), got %g", p.Percentile)
		}
		return Percentile{P: p.Percentile}, nil
	}
	return nil, fmt.Errorf("unknown feature policy %q", policy)
}

// Parameterized extractors have settings beyond their policy that change
// the level they compute.
type Parameterized interface {
	Params() string
}

// Fingerprint identifies ext's policy settings; thresholds measured under a
// different fingerprint do not apply.
func Fingerprint(ext Extractor) string {
	if p, ok := ext.(Parameterized); ok {
		return p.Params()
	}
	return ""
}

func abs(samples []float64) []float64 {
	ret := make([]float64, len(samples))
	for i, v := range samples {
		ret[i] = math.Abs(v)
	}
	return ret
}

// AbsMean is the mean absolute amplitude.
type AbsMean struct{}

func (AbsMean) Name() string { return PolicyAbsMean }

func (AbsMean) Extract(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return stat.Mean(abs(samples), nil)
}

// PeakMean averages the peak absolute amplitude of consecutive windows. A
// short trailing window counts as a window.
type PeakMean struct {
	Window int
}

func (PeakMean) Name() string { return PolicyPeakMean }

func (p PeakMean) Params() string { return fmt.Sprintf("window=%d", p.Window) }

func (p PeakMean) Extract(samples []float64) float64 {
	if len(samples) == 0 || p.Window <= 0 {
		return 0
	}
	a := abs(samples)
	var peaks []float64
	for i := 0; i < len(a); i += p.Window {
		end := min(i+p.Window, len(a))
		peaks = append(peaks, floats.Max(a[i:end]))
	}
	return stat.Mean(peaks, nil)
}

// StdDev is the sample standard deviation.
type StdDev struct{}

func (StdDev) Name() string { return PolicyStdDev }

func (StdDev) Extract(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	return stat.StdDev(samples, nil)
}

// Percentile averages the absolute amplitudes at or above the P quantile.
type Percentile struct {
	P float64
}

func (Percentile) Name() string { return PolicyPercentile }

func (p Percentile) Params() string { return fmt.Sprintf("p=%g", p.P) }

func (p Percentile) Extract(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	a := abs(samples)
	sort.Float64s(a)
	q := stat.Quantile(p.P, stat.Empirical, a, nil)
	i := sort.SearchFloat64s(a, q)
	return stat.Mean(a[i:], nil)
}
