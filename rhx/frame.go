package rhx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// WaveformMagic begins every block on the waveform socket.
	WaveformMagic uint32 = 0x2ef07a08
	// FramesPerBlock is the number of frames the controller packs per block.
	FramesPerBlock = 128
	// MicrovoltsPerBit scales an amplifier sample to microvolts.
	MicrovoltsPerBit = 0.195

	sampleOffset   = 32768
	magicBytes     = 4
	timestampBytes = 4
	sampleBytes    = 2
)

var waveformMagicLE = binary.LittleEndian.AppendUint32(nil, WaveformMagic)

// BlockShape is the layout of a waveform block. Channels is the number of
// channels with TCP waveform output enabled, in enable order.
type BlockShape struct {
	Frames   int
	Channels int
}

func NewBlockShape(channels int) BlockShape {
	return BlockShape{Frames: FramesPerBlock, Channels: channels}
}

func (s BlockShape) FrameBytes() int { return timestampBytes + sampleBytes*s.Channels }

func (s BlockShape) BlockBytes() int { return s.Frames*s.FrameBytes() + magicBytes }

func (s BlockShape) valid() bool { return s.Frames > 0 && s.Channels > 0 }

// Frame is one raw sample instant: a timestamp and one sample per enabled channel.
type Frame struct {
	Timestamp int32
	Samples   []uint16
}

// Waveform is a decoded recording window.
type Waveform struct {
	// Timestamps in seconds.
	Timestamps []float64
	// Channels holds microvolt samples indexed [channel][frame].
	Channels [][]float64
	// Skipped counts bytes discarded while resynchronizing.
	Skipped int
}

func (w *Waveform) Len() int { return len(w.Timestamps) }

func (w *Waveform) Channel(i int) []float64 {
	if i < 0 || i >= len(w.Channels) {
		return nil
	}
	return w.Channels[i]
}

// Duration is the span between the first and last timestamps.
func (w *Waveform) Duration() float64 {
	if len(w.Timestamps) < 2 {
		return 0
	}
	return w.Timestamps[len(w.Timestamps)-1] - w.Timestamps[0]
}

func Microvolts(raw uint16) float64 { return MicrovoltsPerBit * (float64(raw) - sampleOffset) }

// RawSample is the inverse of Microvolts, clamped to the sample range.
func RawSample(uv float64) uint16 {
	v := math.Round(uv/MicrovoltsPerBit) + sampleOffset
	return uint16(math.Max(0, math.Min(math.MaxUint16, v)))
}

// Decoder turns waveform socket bytes into a Waveform.
type Decoder struct {
	Shape BlockShape
	// Timestep is seconds per timestamp tick, the reciprocal of the sample rate.
	Timestep float64
	// Resync scans forward to the next magic number instead of failing.
	Resync bool
}

func Decode(buf []byte, shape BlockShape, timestep float64) (*Waveform, error) {
	d := Decoder{Shape: shape, Timestep: timestep}
	return d.Decode(buf)
}

func (d *Decoder) Decode(buf []byte) (*Waveform, error) {
	if !d.Shape.valid() {
		return nil, fmt.Errorf("invalid block shape %+v", d.Shape)
	}
	bb := d.Shape.BlockBytes()
	if !d.Resync && len(buf)%bb != 0 {
		return nil, fmt.Errorf("%w: %d bytes, block is %d", ErrMalformedStream, len(buf), bb)
	}
	w := d.alloc(len(buf) / bb)
	for off, blk := 0, 0; off < len(buf); blk++ {
		if len(buf)-off < bb {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedStream, len(buf)-off)
		}
		if magic := binary.LittleEndian.Uint32(buf[off:]); magic != WaveformMagic {
			if !d.Resync {
				return nil, fmt.Errorf("%w: block %d has 0x%08x", ErrProtocolDesync, blk, magic)
			}
			next := bytes.Index(buf[off+1:], waveformMagicLE)
			if next < 0 {
				return nil, fmt.Errorf("%w: no magic after offset %d", ErrProtocolDesync, off)
			}
			w.Skipped += next + 1
			off += next + 1
			continue
		}
		d.decodeBlock(w, buf[off+magicBytes:off+bb])
		off += bb
	}
	return w, nil
}

func (d *Decoder) alloc(blocks int) *Waveform {
	n := blocks * d.Shape.Frames
	w := &Waveform{
		Timestamps: make([]float64, 0, n),
		Channels:   make([][]float64, d.Shape.Channels),
	}
	for i := range w.Channels {
		w.Channels[i] = make([]float64, 0, n)
	}
	return w
}

func (d *Decoder) decodeBlock(w *Waveform, blk []byte) {
	fb := d.Shape.FrameBytes()
	for f := 0; f < d.Shape.Frames; f++ {
		frame := blk[f*fb : (f+1)*fb]
		ts := int32(binary.LittleEndian.Uint32(frame))
		w.Timestamps = append(w.Timestamps, float64(ts)*d.Timestep)
		for c := 0; c < d.Shape.Channels; c++ {
			raw := binary.LittleEndian.Uint16(frame[timestampBytes+c*sampleBytes:])
			w.Channels[c] = append(w.Channels[c], Microvolts(raw))
		}
	}
}

// AppendBlock encodes frames as one block. Every frame must carry the same
// number of samples.
func AppendBlock(dst []byte, frames []Frame) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, WaveformMagic)
	for _, f := range frames {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(f.Timestamp))
		for _, s := range f.Samples {
			dst = binary.LittleEndian.AppendUint16(dst, s)
		}
	}
	return dst
}
