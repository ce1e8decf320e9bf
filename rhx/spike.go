package rhx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// SpikeMagic begins every chunk on the spike socket.
	SpikeMagic uint32 = 0x3ae2710f
	// SpikeChunkBytes is magic, native channel name, timestamp and spike id.
	SpikeChunkBytes = magicBytes + spikeNameBytes + timestampBytes + 1

	spikeNameBytes = 5
)

// Spike is one threshold crossing reported by the controller.
type Spike struct {
	// Channel is the native channel name, e.g. "A-010".
	Channel   string
	Timestamp uint32
	// ID is 1 for a plain threshold crossing, higher for sorted units.
	ID uint8
}

func DecodeSpikes(buf []byte) ([]Spike, error) {
	if len(buf)%SpikeChunkBytes != 0 {
		return nil, fmt.Errorf("%w: %d bytes, chunk is %d", ErrMalformedStream, len(buf), SpikeChunkBytes)
	}
	ret := make([]Spike, 0, len(buf)/SpikeChunkBytes)
	for off := 0; off < len(buf); off += SpikeChunkBytes {
		c := buf[off : off+SpikeChunkBytes]
		if magic := binary.LittleEndian.Uint32(c); magic != SpikeMagic {
			return nil, fmt.Errorf("%w: spike chunk %d has 0x%08x", ErrProtocolDesync, off/SpikeChunkBytes, magic)
		}
		name := c[magicBytes : magicBytes+spikeNameBytes]
		ret = append(ret, Spike{
			Channel:   string(bytes.TrimRight(name, "\x00")),
			Timestamp: binary.LittleEndian.Uint32(c[magicBytes+spikeNameBytes:]),
			ID:        c[SpikeChunkBytes-1],
		})
	}
	return ret, nil
}

// SpikeReader collects spike chunks from the spike socket. The controller
// streams them while running, so a chunk split across reads is kept for the
// next call.
type SpikeReader struct {
	conn    net.Conn
	pending []byte

	DrainIdle time.Duration
}

func NewSpikeReader(conn net.Conn) *SpikeReader {
	return &SpikeReader{conn: conn, DrainIdle: DefaultDrainIdle}
}

// Read returns the spikes received since the last call, waiting until the
// socket has been quiet for DrainIdle. No spikes is not an error.
func (r *SpikeReader) Read() ([]Spike, error) {
	defer r.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, 4096)
	for {
		r.conn.SetReadDeadline(time.Now().Add(r.DrainIdle))
		n, err := r.conn.Read(buf)
		r.pending = append(r.pending, buf[:n]...)
		switch {
		case err == nil:
			continue
		case isTimeout(err):
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: spike socket closed", ErrConnectionLost)
		default:
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		whole := len(r.pending) - len(r.pending)%SpikeChunkBytes
		spikes, err := DecodeSpikes(r.pending[:whole])
		if err != nil {
			r.pending = nil
			return nil, err
		}
		r.pending = append([]byte(nil), r.pending[whole:]...)
		return spikes, nil
	}
}

func (r *SpikeReader) Close() error { return r.conn.Close() }

func AppendSpike(dst []byte, s Spike) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, SpikeMagic)
	var name [spikeNameBytes]byte
	copy(name[:], s.Channel)
	dst = append(dst, name[:]...)
	dst = binary.LittleEndian.AppendUint32(dst, s.Timestamp)
	return append(dst, s.ID)
}
