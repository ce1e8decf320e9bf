// Package rhxtest runs a fake RHX controller on loopback sockets.
package rhxtest

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/chzchzchz/emgrx/rhx"
)

// Signal gives the microvolt value of enabled channel ch at t seconds.
type Signal func(ch int, t float64) float64

type Config struct {
	SampleRate float64
	Type       rhx.ControllerType
	Signal     Signal
	// SpikeUV is the spike detection threshold. NewServer opens a spike
	// socket only when it is set.
	SpikeUV float64
}

type Server struct {
	cfg     Config
	cmdLn   net.Listener
	wfLn    net.Listener
	spikeLn net.Listener

	mu       sync.Mutex
	runMode  rhx.RunMode
	enabled  []string
	commands []string
	replies  map[string]string
	ts       int32
	wfConn   net.Conn
	cmdConns map[net.Conn]struct{}
	muted    bool
	stop     chan struct{}
	done     chan struct{}

	spikeConn net.Conn
	spiking   []string
	above     map[string]bool

	// holdAfter >= 0 withholds every streamed byte past that many.
	holdAfter int
	sent      int
	held      []byte

	wg sync.WaitGroup
}

// NewServer listens on ephemeral loopback ports.
func NewServer(cfg Config) (*Server, error) {
	addrs := rhx.Addrs{Command: "127.0.0.1:0", Waveform: "127.0.0.1:0"}
	if cfg.SpikeUV > 0 {
		addrs.Spike = "127.0.0.1:0"
	}
	return Listen(cfg, addrs)
}

// Listen serves on addrs; the spike socket is left out if addrs.Spike is empty.
func Listen(cfg Config, addrs rhx.Addrs) (_ *Server, err error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 30000
	}
	if cfg.Type == "" {
		cfg.Type = rhx.ControllerRecordUSB3
	}
	if cfg.Signal == nil {
		cfg.Signal = Constant(0)
	}
	if cfg.SpikeUV <= 0 {
		cfg.SpikeUV = 100
	}
	s := &Server{
		cfg:       cfg,
		runMode:   rhx.RunModeStop,
		replies:   make(map[string]string),
		cmdConns:  make(map[net.Conn]struct{}),
		above:     make(map[string]bool),
		holdAfter: -1,
	}
	defer func() {
		if err != nil {
			s.closeListeners()
		}
	}()
	if s.cmdLn, err = net.Listen("tcp", addrs.Command); err != nil {
		return nil, err
	}
	if s.wfLn, err = net.Listen("tcp", addrs.Waveform); err != nil {
		return nil, err
	}
	if addrs.Spike != "" {
		if s.spikeLn, err = net.Listen("tcp", addrs.Spike); err != nil {
			return nil, err
		}
		s.wg.Add(1)
		go s.acceptStream(s.spikeLn, &s.spikeConn)
	}
	s.wg.Add(2)
	go s.acceptCommands()
	go s.acceptStream(s.wfLn, &s.wfConn)
	return s, nil
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.cmdLn, s.wfLn, s.spikeLn} {
		if ln != nil {
			ln.Close()
		}
	}
}

func (s *Server) Addrs() rhx.Addrs {
	addrs := rhx.Addrs{Command: s.cmdLn.Addr().String(), Waveform: s.wfLn.Addr().String()}
	if s.spikeLn != nil {
		addrs.Spike = s.spikeLn.Addr().String()
	}
	return addrs
}

// Commands returns every command received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Spiking lists the channels with spike output enabled.
func (s *Server) Spiking() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spiking...)
}

func (s *Server) Enabled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.enabled...)
}

func (s *Server) RunMode() rhx.RunMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runMode
}

// SetReply overrides the reply to "get <param>".
func (s *Server) SetReply(param, reply string) {
	s.mu.Lock()
	s.replies[param] = reply
	s.mu.Unlock()
}

func (s *Server) SetSignal(sig Signal) {
	s.mu.Lock()
	s.cfg.Signal = sig
	s.mu.Unlock()
}

// Mute keeps the controller silent on the waveform socket while running.
func (s *Server) Mute(m bool) {
	s.mu.Lock()
	s.muted = m
	s.mu.Unlock()
}

// Hold lets only the next n streamed bytes through and keeps the rest until
// Release, like a controller stalling mid-block.
func (s *Server) Hold(n int) {
	s.mu.Lock()
	s.holdAfter, s.sent, s.held = n, 0, nil
	s.mu.Unlock()
}

// Release writes every withheld byte at once and resumes normal streaming.
func (s *Server) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held := s.held
	s.holdAfter, s.held = -1, nil
	if s.wfConn == nil || len(held) == 0 {
		return nil
	}
	_, err := s.wfConn.Write(held)
	return err
}

// DropWaveform closes the current waveform connection.
func (s *Server) DropWaveform() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wfConn != nil {
		s.wfConn.Close()
		s.wfConn = nil
	}
}

func (s *Server) Close() error {
	s.closeListeners()
	s.setRunMode(rhx.RunModeStop)
	s.DropWaveform()
	s.mu.Lock()
	if s.spikeConn != nil {
		s.spikeConn.Close()
		s.spikeConn = nil
	}
	for c := range s.cmdConns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptCommands() {
	defer s.wg.Done()
	for {
		conn, err := s.cmdLn.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.cmdConns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveCommands(conn)
			s.mu.Lock()
			delete(s.cmdConns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
	}
}

// acceptStream keeps the newest client of a streaming socket in *cur.
func (s *Server) acceptStream(ln net.Listener, cur *net.Conn) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if *cur != nil {
			(*cur).Close()
		}
		*cur = conn
		s.mu.Unlock()
	}
}

func (s *Server) serveCommands(conn net.Conn) {
	buf := make([]byte, rhx.CommandBufferSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, cmd := range splitCommands(string(buf[:n])) {
			if reply := s.handle(cmd); reply != "" {
				if _, err := conn.Write([]byte(reply)); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) handle(cmd string) string {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()
	f := strings.Fields(cmd)
	if len(f) < 2 {
		return "Error: unrecognized command " + cmd
	}
	switch f[0] {
	case "get":
		return s.get(strings.ToLower(f[1]))
	case "set":
		if len(f) < 3 {
			return ""
		}
		s.set(strings.ToLower(f[1]), strings.ToLower(f[2]))
	case "execute":
		if strings.ToLower(f[1]) == "clearalldataoutputs" {
			s.mu.Lock()
			s.enabled, s.spiking = nil, nil
			s.mu.Unlock()
		}
	}
	return ""
}

func (s *Server) get(param string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.replies[param]; ok {
		return r
	}
	switch param {
	case "runmode":
		return "Return: RunMode " + string(s.runMode)
	case "sampleratehertz":
		return "Return: SampleRateHertz " + strconv.FormatFloat(s.cfg.SampleRate, 'f', -1, 64)
	case "type":
		return "Return: Type " + string(s.cfg.Type)
	}
	return "Error: unrecognized parameter " + param
}

func (s *Server) set(param, val string) {
	if param == "runmode" {
		switch val {
		case "run":
			s.setRunMode(rhx.RunModeRun)
		case "record":
			s.setRunMode(rhx.RunModeRecord)
		case "stop":
			s.setRunMode(rhx.RunModeStop)
		}
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := strings.CutSuffix(param, ".tcpdataoutputenabledspike"); ok {
		s.spiking = removeString(s.spiking, ch)
		if val == "true" {
			s.spiking = append(s.spiking, ch)
		}
		return
	}
	if ch, ok := strings.CutSuffix(param, ".tcpdataoutputenabled"); ok {
		s.enabled = removeString(s.enabled, ch)
		if val == "true" {
			s.enabled = append(s.enabled, ch)
		}
	}
}

// setRunMode starts or stops streaming; stopping waits until no more blocks
// can be written.
func (s *Server) setRunMode(m rhx.RunMode) {
	s.mu.Lock()
	prev := s.runMode
	s.runMode = m
	if prev == rhx.RunModeStop && m != rhx.RunModeStop {
		s.stop, s.done = make(chan struct{}), make(chan struct{})
		go s.stream(s.stop, s.done)
	}
	var done chan struct{}
	if prev != rhx.RunModeStop && m == rhx.RunModeStop {
		close(s.stop)
		done = s.done
	}
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	log.WithFields(log.Fields{"from": prev, "to": m}).Debug("rhxtest runmode")
}

func (s *Server) stream(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	period := time.Duration(float64(time.Second) * rhx.FramesPerBlock / s.cfg.SampleRate)
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		for _, o := range s.nextBlock() {
			if _, err := o.conn.Write(o.data); err != nil {
				log.WithError(err).Debug("rhxtest stream write")
			}
		}
	}
}

type output struct {
	conn net.Conn
	data []byte
}

// nextBlock generates one block of frames, plus a spike chunk for each
// rising crossing of SpikeUV on a spike-enabled channel.
func (s *Server) nextBlock() (out []output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted || (len(s.enabled) == 0 && len(s.spiking) == 0) {
		return nil
	}
	frames := make([]rhx.Frame, rhx.FramesPerBlock)
	var spikes []byte
	for i := range frames {
		t := float64(s.ts) / s.cfg.SampleRate
		samples := make([]uint16, len(s.enabled))
		for c := range samples {
			samples[c] = rhx.RawSample(s.cfg.Signal(c, t))
		}
		for c, ch := range s.spiking {
			above := math.Abs(s.cfg.Signal(c, t)) >= s.cfg.SpikeUV
			if above && !s.above[ch] {
				spikes = rhx.AppendSpike(spikes, rhx.Spike{Channel: strings.ToUpper(ch), Timestamp: uint32(s.ts), ID: 1})
			}
			s.above[ch] = above
		}
		frames[i] = rhx.Frame{Timestamp: s.ts, Samples: samples}
		s.ts++
	}
	if s.wfConn != nil && len(s.enabled) > 0 {
		blk := rhx.AppendBlock(nil, frames)
		if s.holdAfter >= 0 {
			n := min(max(s.holdAfter-s.sent, 0), len(blk))
			s.held = append(s.held, blk[n:]...)
			blk = blk[:n]
			s.sent += n
		}
		if len(blk) > 0 {
			out = append(out, output{s.wfConn, blk})
		}
	}
	if s.spikeConn != nil && len(spikes) > 0 {
		out = append(out, output{s.spikeConn, spikes})
	}
	return out
}

// splitCommands separates commands that arrive in one read, either
// ';'-separated or run together.
func splitCommands(raw string) []string {
	var out []string
	sep := func(r rune) bool { return r == ';' || r == '\n' || r == '\r' }
	for _, part := range strings.FieldsFunc(raw, sep) {
		idx := []int{0}
		for _, kw := range []string{"get ", "set ", "execute "} {
			for i := 0; ; {
				j := strings.Index(part[i:], kw)
				if j < 0 {
					break
				}
				if i+j > 0 {
					idx = append(idx, i+j)
				}
				i += j + len(kw)
			}
		}
		sort.Ints(idx)
		for k, begin := range idx {
			end := len(part)
			if k+1 < len(idx) {
				end = idx[k+1]
			}
			if cmd := strings.TrimSpace(part[begin:end]); cmd != "" {
				out = append(out, cmd)
			}
		}
	}
	return out
}

func removeString(l []string, v string) []string {
	out := l[:0]
	for _, s := range l {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func (s *Server) String() string {
	return fmt.Sprintf("rhxtest(%s, %s)", s.cmdLn.Addr(), s.wfLn.Addr())
}
