package rhx

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpikeReaderKeepsSplitChunk(t *testing.T) {
	client, ctrl := net.Pipe()
	defer client.Close()
	defer ctrl.Close()
	r := NewSpikeReader(client)
	r.DrainIdle = 100 * time.Millisecond

	buf := AppendSpike(nil, Spike{Channel: "A-010", Timestamp: 7, ID: 1})
	buf = AppendSpike(buf, Spike{Channel: "A-010", Timestamp: 9, ID: 1})
	cut := SpikeChunkBytes + SpikeChunkBytes/2

	go ctrl.Write(buf[:cut])
	spikes, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, []Spike{{"A-010", 7, 1}}, spikes)

	go ctrl.Write(buf[cut:])
	spikes, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, []Spike{{"A-010", 9, 1}}, spikes)

	spikes, err = r.Read()
	require.NoError(t, err)
	require.Empty(t, spikes)

	ctrl.Close()
	_, err = r.Read()
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestSpikeReaderDesync(t *testing.T) {
	client, ctrl := net.Pipe()
	defer client.Close()
	defer ctrl.Close()
	r := NewSpikeReader(client)
	r.DrainIdle = 100 * time.Millisecond

	go ctrl.Write(make([]byte, SpikeChunkBytes))
	_, err := r.Read()
	require.ErrorIs(t, err, ErrProtocolDesync)
}
