// Package wav reads and writes 16-bit PCM wave files of recorded EMG.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrBadFormat = errors.New("bad format")

const (
	pcmBits    = 16
	pcmFormat  = 1
	HeaderSize = 44
)

// Format describes the sample layout of a file.
type Format struct {
	Channels   int
	SampleRate int
}

func (f Format) frameBytes() int { return f.Channels * pcmBits / 8 }

func (f Format) valid() bool {
	return f.Channels > 0 && f.Channels <= 0xffff && f.SampleRate > 0
}

// header is the canonical RIFF/fmt/data prefix with no extra chunks.
type header struct {
	Riff      [4]byte
	RiffSize  uint32
	Wave      [4]byte
	Fmt       [4]byte
	FmtSize   uint32
	Audio     uint16
	Channels  uint16
	Rate      uint32
	ByteRate  uint32
	Align     uint16
	Bits      uint16
	Data      [4]byte
	DataBytes uint32
}

func newHeader(f Format, dataBytes uint32) header {
	align := f.frameBytes()
	return header{
		Riff:      [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:  HeaderSize - 8 + dataBytes,
		Wave:      [4]byte{'W', 'A', 'V', 'E'},
		Fmt:       [4]byte{'f', 'm', 't', ' '},
		FmtSize:   16,
		Audio:     pcmFormat,
		Channels:  uint16(f.Channels),
		Rate:      uint32(f.SampleRate),
		ByteRate:  uint32(f.SampleRate * align),
		Align:     uint16(align),
		Bits:      pcmBits,
		Data:      [4]byte{'d', 'a', 't', 'a'},
		DataBytes: dataBytes,
	}
}

func (h header) check() error {
	switch {
	case string(h.Riff[:]) != "RIFF" || string(h.Wave[:]) != "WAVE":
		return fmt.Errorf("%w: not a RIFF WAVE file", ErrBadFormat)
	case string(h.Fmt[:]) != "fmt " || h.FmtSize != 16:
		return fmt.Errorf("%w: unexpected fmt chunk", ErrBadFormat)
	case h.Audio != pcmFormat || h.Bits != pcmBits:
		return fmt.Errorf("%w: want %d-bit PCM, have format %d with %d bits", ErrBadFormat, pcmBits, h.Audio, h.Bits)
	case h.Channels == 0 || h.Align != h.Channels*pcmBits/8:
		return fmt.Errorf("%w: %d channels with block align %d", ErrBadFormat, h.Channels, h.Align)
	case string(h.Data[:]) != "data":
		return fmt.Errorf("%w: data chunk not found after fmt", ErrBadFormat)
	}
	return nil
}

type Reader struct {
	r io.Reader
	h header
}

func NewReader(r io.Reader) (*Reader, error) {
	rr := &Reader{r: r}
	if err := binary.Read(r, binary.LittleEndian, &rr.h); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short header", ErrBadFormat)
		}
		return nil, err
	}
	if err := rr.h.check(); err != nil {
		return nil, err
	}
	return rr, nil
}

func (r *Reader) Format() Format {
	return Format{Channels: int(r.h.Channels), SampleRate: int(r.h.Rate)}
}

func (r *Reader) Channels() int   { return int(r.h.Channels) }
func (r *Reader) SampleRate() int { return int(r.h.Rate) }

// Frames is the number of multi-channel samples in the data chunk.
func (r *Reader) Frames() int { return int(r.h.DataBytes) / int(r.h.Align) }

// ReadSamples returns every remaining whole frame, interleaved by channel.
// A file left with the streaming placeholder size is read to its end.
func (r *Reader) ReadSamples() ([]int16, error) {
	data, err := io.ReadAll(io.LimitReader(r.r, int64(r.h.DataBytes)))
	if err != nil {
		return nil, err
	}
	data = data[:len(data)-len(data)%int(r.h.Align)]
	samps := make([]int16, len(data)/2)
	for i := range samps {
		samps[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samps, nil
}

// ReadChannels returns every remaining sample split by channel.
func (r *Reader) ReadChannels() ([][]int16, error) {
	samps, err := r.ReadSamples()
	if err != nil {
		return nil, err
	}
	chs := make([][]int16, r.Channels())
	for c := range chs {
		chs[c] = make([]int16, len(samps)/len(chs))
	}
	for i, v := range samps {
		chs[i%len(chs)][i/len(chs)] = v
	}
	return chs, nil
}

// Writer streams samples after a placeholder header. Close patches the
// sizes in when the destination can seek.
type Writer struct {
	w       io.Writer
	f       Format
	written uint32
}

func NewWriter(w io.Writer, rate, channels int) (*Writer, error) {
	f := Format{Channels: channels, SampleRate: rate}
	if !f.valid() {
		return nil, fmt.Errorf("%w: %d channels at %dHz", ErrBadFormat, channels, rate)
	}
	// unknown length until Close
	if err := binary.Write(w, binary.LittleEndian, newHeader(f, 1<<31)); err != nil {
		return nil, err
	}
	return &Writer{w: w, f: f}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.written += uint32(n)
	return n, err
}

// WriteSamples writes samples interleaved by channel.
func (w *Writer) WriteSamples(samps []int16) error {
	if len(samps)%w.f.Channels != 0 {
		return fmt.Errorf("%w: %d samples for %d channels", ErrBadFormat, len(samps), w.f.Channels)
	}
	return binary.Write(w, binary.LittleEndian, samps)
}

func (w *Writer) Close() error {
	ws, ok := w.w.(io.WriteSeeker)
	if !ok {
		return nil
	}
	if _, err := ws.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(ws, binary.LittleEndian, newHeader(w.f, w.written)); err != nil {
		return err
	}
	_, err := ws.Seek(0, io.SeekEnd)
	return err
}
