package rhx

import (
	"context"
	"fmt"
	"net"
	"time"
)

const DefaultConnectTimeout = 5 * time.Second

// Addrs are the sockets a controller exposes for one client. Spike is
// optional.
type Addrs struct {
	Command  string
	Waveform string
	Spike    string
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
	}
	return conn, nil
}

// DialCommand opens only the command socket.
func DialCommand(ctx context.Context, addr string, timeout time.Duration) (*CommandClient, error) {
	conn, err := dial(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewCommandClient(conn), nil
}
