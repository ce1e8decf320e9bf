package features

import (
	"fmt"
	"math"
)

const (
	// RickerCenterFrequency is the Mexican-hat center frequency in cycles per
	// sample at scale 1.
	RickerCenterFrequency = 0.25

	DefaultWaveletTargetHz = 100
)

// DefaultScales are widths 1 through 127 in steps of 4.
func DefaultScales() []float64 {
	var ret []float64
	for w := 1; w < 128; w += 4 {
		ret = append(ret, float64(w))
	}
	return ret
}

// Ricker samples the Mexican-hat wavelet of width a at points positions
// centered on zero.
func Ricker(points int, a float64) []float64 {
	A := 2 / (math.Sqrt(3*a) * math.Pow(math.Pi, 0.25))
	wsq := a * a
	ret := make([]float64, points)
	for i := range ret {
		x := float64(i) - float64(points-1)/2
		xsq := x * x
		ret[i] = A * (1 - xsq/wsq) * math.Exp(-xsq/(2*wsq))
	}
	return ret
}

// CWT is the continuous wavelet transform of data at each width, one row per
// width, each the same length as data.
func CWT(data []float64, widths []float64) [][]float64 {
	ret := make([][]float64, len(widths))
	for i, w := range widths {
		ret[i] = cwtRow(data, w)
	}
	return ret
}

func cwtRow(data []float64, width float64) []float64 {
	points := min(int(10*width), len(data))
	return convolveSame(data, Ricker(points, width))
}

// convolveSame is the centered slice of the full convolution of a and v,
// len(a) long. v must not be longer than a.
func convolveSame(a, v []float64) []float64 {
	n, m := len(a), len(v)
	out := make([]float64, n)
	off := (m - 1) / 2
	for i := range out {
		k := i + off
		sum := 0.0
		for j := max(0, k-n+1); j < m && j <= k; j++ {
			sum += a[k-j] * v[j]
		}
		out[i] = sum
	}
	return out
}

// Wavelet is the mean absolute Mexican-hat CWT coefficient at one scale.
type Wavelet struct {
	Scales     []float64
	ScaleIndex int
	TargetHz   float64

	rate float64
}

func NewWavelet(targetHz float64, scaleIndex int) *Wavelet {
	return &Wavelet{Scales: DefaultScales(), ScaleIndex: scaleIndex, TargetHz: targetHz}
}

func (w *Wavelet) Name() string { return PolicyWavelet }

func (w *Wavelet) SetSampleRate(hz float64) { w.rate = hz }

func (w *Wavelet) Params() string { return fmt.Sprintf("scale=%g", w.Scale()) }

// Scale is the width in use: the scale nearest TargetHz when both the target
// and the sample rate are known, otherwise Scales[ScaleIndex].
func (w *Wavelet) Scale() float64 {
	if len(w.Scales) == 0 {
		return 1
	}
	if w.TargetHz > 0 && w.rate > 0 {
		want := RickerCenterFrequency * w.rate / w.TargetHz
		best := 0
		for i, s := range w.Scales {
			if math.Abs(s-want) < math.Abs(w.Scales[best]-want) {
				best = i
			}
		}
		return w.Scales[best]
	}
	return w.Scales[max(0, min(w.ScaleIndex, len(w.Scales)-1))]
}

// Frequency is the pseudo-frequency of the scale in use, zero if the
// sample rate is unknown.
func (w *Wavelet) Frequency() float64 {
	return RickerCenterFrequency * w.rate / w.Scale()
}

func (w *Wavelet) Extract(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return AbsMean{}.Extract(cwtRow(samples, w.Scale()))
}
