package rhx

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Settle         time.Duration
	DrainIdle      time.Duration
	Resync         bool
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		Settle:         DefaultSettle,
		DrainIdle:      DefaultDrainIdle,
	}
}

// Acquisition owns the command, waveform, and optional spike sockets for one
// controller client. Sockets are never shared between acquisitions.
type Acquisition struct {
	*CommandClient
	Waveform *WaveformReader
	// Spikes is nil when no spike socket was configured.
	Spikes *SpikeReader

	addrs    Addrs
	channels []Channel
	resync   bool
}

// Open dials every configured socket; if one fails nothing is left open.
func Open(ctx context.Context, addrs Addrs, opts Options) (a *Acquisition, err error) {
	cmd, err := DialCommand(ctx, addrs.Command, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			cmd.Close()
		}
	}()
	wconn, err := dial(ctx, addrs.Waveform, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			wconn.Close()
		}
	}()
	var sr *SpikeReader
	if addrs.Spike != "" {
		sconn, err := dial(ctx, addrs.Spike, opts.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		sr = NewSpikeReader(sconn)
		sr.DrainIdle = opts.DrainIdle
	}
	cmd.Settle, cmd.ReadTimeout = opts.Settle, opts.ReadTimeout
	wr := NewWaveformReader(cmd, wconn, Decoder{Resync: opts.Resync})
	wr.ReadTimeout, wr.DrainIdle = opts.ReadTimeout, opts.DrainIdle
	log.WithFields(log.Fields{
		"command":  addrs.Command,
		"waveform": addrs.Waveform,
		"spike":    addrs.Spike,
	}).Info("connected to controller")
	return &Acquisition{CommandClient: cmd, Waveform: wr, Spikes: sr, addrs: addrs, resync: opts.Resync}, nil
}

func (a *Acquisition) Addrs() Addrs { return a.addrs }
func (a *Acquisition) Channels() []Channel { return a.channels }

// Configure stops the controller, reads its sample rate, and enables TCP
// waveform output on exactly chs, in order. With a spike socket, spike
// output is enabled on chs too and stale spikes are discarded.
func (a *Acquisition) Configure(chs ...Channel) (float64, error) {
	if len(chs) == 0 {
		return 0, fmt.Errorf("no channels to enable")
	}
	if err := a.StopIfRunning(); err != nil {
		return 0, err
	}
	rate, err := a.SampleRate()
	if err != nil {
		return 0, err
	}
	if err := a.ClearDataOutputs(); err != nil {
		return 0, err
	}
	for _, ch := range chs {
		if err := a.EnableWaveform(ch); err != nil {
			return 0, err
		}
		if a.Spikes == nil {
			continue
		}
		if err := a.EnableSpikes(ch); err != nil {
			return 0, err
		}
	}
	if a.Spikes != nil {
		if _, err := a.Spikes.Read(); err != nil {
			return 0, err
		}
	}
	a.channels = append([]Channel(nil), chs...)
	a.Waveform.SetDecoder(Decoder{Shape: NewBlockShape(len(chs)), Timestep: 1 / rate, Resync: a.resync})
	log.WithFields(log.Fields{"channels": chs, "rate": rate}).Info("controller configured")
	return rate, nil
}

func (a *Acquisition) RecordAndRead(ctx context.Context, d time.Duration) (*Waveform, error) {
	return a.Waveform.RecordAndRead(ctx, d)
}

// ReadSpikes returns the spikes reported since the last call, or none
// without a spike socket.
func (a *Acquisition) ReadSpikes() ([]Spike, error) {
	if a.Spikes == nil {
		return nil, nil
	}
	return a.Spikes.Read()
}

func (a *Acquisition) Close() error {
	if a.Spikes != nil {
		a.Spikes.Close()
	}
	werr := a.Waveform.conn.Close()
	if err := a.CommandClient.Close(); err != nil {
		return err
	}
	return werr
}
