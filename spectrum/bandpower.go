// Package spectrum measures EMG power in a frequency band with fftw.
package spectrum

import (
	"fmt"
	"math/cmplx"
	"sync"

	"github.com/runningwild/go-fftw/fftw32"
)

const (
	PolicySpectral = "spectral"

	DefaultBins   = 1024
	DefaultLowHz  = 20
	DefaultHighHz = 450
)

// BandPower is the mean FFT magnitude between LowHz and HighHz, averaged
// over consecutive Bins-sample windows. A window shorter than Bins is zero
// padded.
type BandPower struct {
	LowHz  float64
	HighHz float64
	Bins   int

	rate float64
}

// fftw's planner is process global and not reentrant.
var planMu sync.Mutex

func NewBandPower(lowHz, highHz float64, bins int) *BandPower {
	if bins <= 0 {
		bins = DefaultBins
	}
	return &BandPower{LowHz: lowHz, HighHz: highHz, Bins: bins}
}

func (bp *BandPower) Name() string { return PolicySpectral }

func (bp *BandPower) SetSampleRate(hz float64) { bp.rate = hz }

func (bp *BandPower) Params() string {
	return fmt.Sprintf("band=%g-%gHz bins=%d", bp.LowHz, bp.HighHz, bp.Bins)
}

func (bp *BandPower) binHz() float64 { return bp.rate / float64(bp.Bins) }

// band is the half-open range of positive frequency bins inside the band.
func (bp *BandPower) band() (begin, end int) {
	if bp.rate <= 0 {
		return 0, bp.Bins / 2
	}
	begin = int(bp.LowHz / bp.binHz())
	end = int(bp.HighHz/bp.binHz()) + 1
	return max(begin, 0), min(end, bp.Bins/2)
}

func (bp *BandPower) Extract(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	begin, end := bp.band()
	if end <= begin {
		return 0
	}
	total, windows := 0.0, 0
	for off := 0; off < len(samples); off += bp.Bins {
		arr := fftw32.NewArray(bp.Bins)
		for i := range arr.Elems {
			if off+i < len(samples) {
				arr.Elems[i] = complex(float32(samples[off+i]), 0)
			}
		}
		planMu.Lock()
		spec := fftw32.FFT(arr)
		planMu.Unlock()
		for _, v := range spec.Elems[begin:end] {
			total += cmplx.Abs(complex128(v))
		}
		windows++
	}
	return total / float64(windows*(end-begin))
}
