package rhx

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel names one amplifier input, e.g. port a, index 10 is "a-010".
type Channel struct {
	Port  byte
	Index int
}

func (c Channel) String() string {
	return fmt.Sprintf("%c-%03d", c.port(), c.Index)
}

func (c Channel) port() byte {
	if c.Port == 0 {
		return 'a'
	}
	if c.Port >= 'A' && c.Port <= 'Z' {
		return c.Port + ('a' - 'A')
	}
	return c.Port
}

// ParseChannel accepts "a-010", "A-10", or a bare index on port a.
func ParseChannel(s string) (Channel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	port, idx := "a", s
	if p, i, ok := strings.Cut(s, "-"); ok {
		port, idx = p, i
	}
	if len(port) != 1 || port[0] < 'a' || port[0] > 'h' {
		return Channel{}, fmt.Errorf("bad channel port in %q", s)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 || n > 999 {
		return Channel{}, fmt.Errorf("bad channel index in %q", s)
	}
	return Channel{Port: port[0], Index: n}, nil
}
