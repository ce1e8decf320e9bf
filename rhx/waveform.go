package rhx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultDrainIdle is how long the waveform socket must stay quiet at a block
// boundary before a read is considered complete.
const DefaultDrainIdle = 100 * time.Millisecond

// flushIdle is the quiet period that ends a flush of a healthy stream.
const flushIdle = time.Millisecond

// WaveformReader records a window on the controller and reads it back.
type WaveformReader struct {
	cmd  *CommandClient
	conn net.Conn
	dec  Decoder

	ReadTimeout time.Duration
	DrainIdle   time.Duration

	// dirty is set when a window failed and the socket may hold part of a block.
	dirty bool
}

func NewWaveformReader(cmd *CommandClient, conn net.Conn, dec Decoder) *WaveformReader {
	return &WaveformReader{
		cmd:         cmd,
		conn:        conn,
		dec:         dec,
		ReadTimeout: DefaultReadTimeout,
		DrainIdle:   DefaultDrainIdle,
	}
}

func (r *WaveformReader) Decoder() Decoder { return r.dec }
func (r *WaveformReader) SetDecoder(d Decoder) { r.dec = d }

// BufferSize is the read ceiling for a window of d: one spare second of blocks.
func (r *WaveformReader) BufferSize(d time.Duration) int {
	if r.dec.Timestep <= 0 {
		return 0
	}
	rate := 1 / r.dec.Timestep
	blocksPerSec := math.Ceil(rate/float64(r.dec.Shape.Frames) - 1e-6)
	bytesPerSec := blocksPerSec * float64(r.dec.Shape.BlockBytes())
	return int(math.Ceil(bytesPerSec * (d + time.Second).Seconds()))
}

// RecordAndRead runs the controller for d, stops it, and decodes what it sent.
// The window cannot be cut short on the controller; a cancelled ctx only ends
// the local wait, after which stop is still sent.
func (r *WaveformReader) RecordAndRead(ctx context.Context, d time.Duration) (*Waveform, error) {
	if !r.dec.Shape.valid() || r.dec.Timestep <= 0 {
		return nil, fmt.Errorf("waveform reader not configured")
	}
	if err := r.flush(); err != nil {
		return nil, err
	}
	if err := r.cmd.SetRunMode(RunModeRun); err != nil {
		return nil, err
	}
	werr := wait(ctx, d)
	if err := r.cmd.SetRunMode(RunModeStop); err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, werr
	}
	buf, err := r.read(r.BufferSize(d))
	if err != nil {
		r.dirty = true
		return nil, err
	}
	w, err := r.dec.Decode(buf)
	if err != nil {
		r.dirty = true
		return nil, err
	}
	log.WithFields(log.Fields{"bytes": len(buf), "frames": w.Len()}).Debug("waveform read")
	return w, nil
}

// flush discards bytes left on the stopped stream so the next window starts
// on a block boundary. After a failed window it waits for DrainIdle of quiet
// since the rest of an interrupted block may still be in flight.
func (r *WaveformReader) flush() error {
	defer r.conn.SetReadDeadline(time.Time{})
	idle := flushIdle
	if r.dirty && r.DrainIdle > idle {
		idle = r.DrainIdle
	}
	scratch := make([]byte, 4096)
	start, n := time.Now(), 0
	for {
		if r.ReadTimeout > 0 && time.Since(start) > r.ReadTimeout {
			return fmt.Errorf("%w: stopped stream still sending after %d bytes", ErrStreamTimeout, n)
		}
		r.conn.SetReadDeadline(time.Now().Add(idle))
		m, err := r.conn.Read(scratch)
		n += m
		switch {
		case err == nil:
			continue
		case isTimeout(err):
			if n > 0 {
				log.WithField("bytes", n).Warn("discarded stale waveform data")
			}
			r.dirty = false
			return nil
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: waveform socket closed", ErrConnectionLost)
		default:
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
}

// read drains the socket until it idles at a block boundary or the ceiling is hit.
func (r *WaveformReader) read(ceiling int) ([]byte, error) {
	defer r.conn.SetReadDeadline(time.Time{})
	block := r.dec.Shape.BlockBytes()
	buf := make([]byte, ceiling)
	start, n := time.Now(), 0
	for n < len(buf) {
		wait := r.DrainIdle
		if n == 0 {
			wait = r.ReadTimeout
		}
		if wait > 0 {
			r.conn.SetReadDeadline(time.Now().Add(wait))
		} else {
			r.conn.SetReadDeadline(time.Time{})
		}
		m, err := r.conn.Read(buf[n:])
		n += m
		switch {
		case err == nil && m == 0:
			return nil, fmt.Errorf("%w: zero-byte read", ErrConnectionLost)
		case err == nil:
			continue
		case isTimeout(err):
			if n == 0 {
				return nil, fmt.Errorf("%w: no waveform data within %v", ErrStreamTimeout, wait)
			}
			if n%block == 0 {
				return buf[:n], nil
			}
			if r.ReadTimeout > 0 && time.Since(start) > r.ReadTimeout {
				return nil, fmt.Errorf("%w: stalled after %d bytes", ErrStreamTimeout, n)
			}
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: waveform socket closed after %d bytes", ErrConnectionLost, n)
		default:
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
	return buf[:n], nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
