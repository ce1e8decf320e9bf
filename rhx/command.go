package rhx

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// CommandBufferSize bounds a single query reply.
	CommandBufferSize = 1024
	// DefaultSettle is how long the controller needs after a state change.
	DefaultSettle = 100 * time.Millisecond
	// DefaultReadTimeout bounds every socket read.
	DefaultReadTimeout = 5 * time.Second
)

type RunMode string

const (
	RunModeStop   RunMode = "Stop"
	RunModeRun    RunMode = "Run"
	RunModeRecord RunMode = "Record"
)

type ControllerType string

const (
	ControllerRecordUSB2 ControllerType = "ControllerRecordUSB2"
	ControllerRecordUSB3 ControllerType = "ControllerRecordUSB3"
	ControllerStimRecord ControllerType = "ControllerStimRecord"
)

func (t ControllerType) IsStim() bool { return t == ControllerStimRecord }

// FileSuffix is the extension the controller gives its data files.
func (t ControllerType) FileSuffix() string {
	if t.IsStim() {
		return ".rhs"
	}
	return ".rhd"
}

// CommandClient speaks the text command protocol over one socket.
type CommandClient struct {
	conn net.Conn
	buf  []byte

	Settle      time.Duration
	ReadTimeout time.Duration
}

func NewCommandClient(conn net.Conn) *CommandClient {
	return &CommandClient{
		conn:        conn,
		buf:         make([]byte, CommandBufferSize),
		Settle:      DefaultSettle,
		ReadTimeout: DefaultReadTimeout,
	}
}

func (c *CommandClient) Close() error { return c.conn.Close() }

// Send writes cmd as-is; the controller takes no terminator.
func (c *CommandClient) Send(cmd string) error {
	log.WithField("cmd", cmd).Debug("rhx send")
	if _, err := io.WriteString(c.conn, cmd); err != nil {
		return fmt.Errorf("%w: send %q: %v", ErrConnectionLost, cmd, err)
	}
	return nil
}

// Exec sends a state-changing command and waits for it to settle.
func (c *CommandClient) Exec(cmd string) error {
	if err := c.Send(cmd); err != nil {
		return err
	}
	time.Sleep(c.Settle)
	return nil
}

// Query sends cmd and returns the text of a single reply read.
func (c *CommandClient) Query(cmd string) (string, error) {
	if err := c.Send(cmd); err != nil {
		return "", err
	}
	if c.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return "", readErr(err, cmd)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty reply to %q", ErrConnectionLost, cmd)
	}
	reply := string(c.buf[:n])
	log.WithField("reply", reply).Debug("rhx recv")
	return reply, nil
}

func readErr(err error, what string) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrStreamTimeout, what)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %s", ErrStreamTimeout, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectionLost, what, err)
}

// get queries a parameter and returns the value after "Return: <name> ".
func (c *CommandClient) get(param, name string) (string, error) {
	reply, err := c.Query("get " + param)
	if err != nil {
		return "", err
	}
	prefix := "Return: " + name + " "
	i := strings.Index(reply, prefix)
	if i < 0 {
		return "", fmt.Errorf("%w: %q to get %s", ErrUnexpectedReply, reply, param)
	}
	return strings.TrimSpace(reply[i+len(prefix):]), nil
}

func (c *CommandClient) RunMode() (RunMode, error) {
	v, err := c.get("runmode", "RunMode")
	return RunMode(v), err
}

func (c *CommandClient) SetRunMode(m RunMode) error {
	return c.Exec("set runmode " + strings.ToLower(string(m)))
}

// StopIfRunning stops acquisition unless the controller is already stopped.
func (c *CommandClient) StopIfRunning() error {
	m, err := c.RunMode()
	if err != nil {
		return err
	}
	if m == RunModeStop {
		return nil
	}
	log.WithField("runmode", m).Info("stopping controller")
	return c.SetRunMode(RunModeStop)
}

func (c *CommandClient) SampleRate() (float64, error) {
	v, err := c.get("sampleratehertz", "SampleRateHertz")
	if err != nil {
		return 0, err
	}
	hz, err := strconv.ParseFloat(v, 64)
	if err != nil || hz <= 0 {
		return 0, fmt.Errorf("%w: sample rate %q", ErrUnexpectedReply, v)
	}
	return hz, nil
}

func (c *CommandClient) Type() (ControllerType, error) {
	v, err := c.get("type", "Type")
	return ControllerType(v), err
}

// ClearDataOutputs disables TCP output on every channel.
func (c *CommandClient) ClearDataOutputs() error {
	return c.Exec("execute clearalldataoutputs")
}

func (c *CommandClient) EnableWaveform(ch Channel) error {
	return c.Exec("set " + ch.String() + ".tcpdataoutputenabled true")
}

func (c *CommandClient) EnableSpikes(ch Channel) error {
	return c.Exec("set " + ch.String() + ".tcpdataoutputenabledspike true")
}
