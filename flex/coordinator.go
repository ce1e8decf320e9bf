package flex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrorPolicy decides what a failed arm does to its round.
type ErrorPolicy int

const (
	// PolicySkip drops the round and keeps polling.
	PolicySkip ErrorPolicy = iota
	// PolicyAbort stops polling with the error.
	PolicyAbort
)

func (p ErrorPolicy) String() string {
	if p == PolicyAbort {
		return "abort"
	}
	return "skip"
}

func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "skip", "":
		return PolicySkip, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicySkip, fmt.Errorf("unknown error policy %q", s)
}

// Round holds exactly one outcome per session for one polling round.
type Round struct {
	Seq        int
	Start      time.Time
	Elapsed    time.Duration
	Detections map[string]Detection
	Errors     map[string]error
}

func (r Round) Flexed(arm string) bool { return r.Detections[arm].Flexed }

func (r Round) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	arms := make([]string, 0, len(r.Errors))
	for arm := range r.Errors {
		arms = append(arms, arm)
	}
	sort.Strings(arms)
	errs := make([]error, len(arms))
	for i, arm := range arms {
		errs[i] = fmt.Errorf("%s: %w", arm, r.Errors[arm])
	}
	return errors.Join(errs...)
}

// Sink receives every completed round.
type Sink interface {
	Emit(ctx context.Context, r Round) error
}

type SinkFunc func(ctx context.Context, r Round) error

func (f SinkFunc) Emit(ctx context.Context, r Round) error { return f(ctx, r) }

type result struct {
	arm string
	det Detection
	err error
}

// Coordinator polls every session concurrently, one goroutine per session
// per round, and waits for all of them before aggregating.
type Coordinator struct {
	Window    time.Duration
	Interval  time.Duration
	MaxRounds int
	Policy    ErrorPolicy

	sessions []*Session
	seq      int
}

func NewCoordinator(window time.Duration, sessions ...*Session) (*Coordinator, error) {
	seen := make(map[string]bool)
	for _, s := range sessions {
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate arm %q", s.Name)
		}
		seen[s.Name] = true
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("no sessions to coordinate")
	}
	return &Coordinator{Window: window, sessions: sessions}, nil
}

func (c *Coordinator) Sessions() []*Session { return c.sessions }

func (c *Coordinator) Poll(ctx context.Context) (Round, error) {
	c.seq++
	r := Round{
		Seq:        c.seq,
		Start:      time.Now(),
		Detections: make(map[string]Detection, len(c.sessions)),
	}
	resc := make(chan result, len(c.sessions))
	var g errgroup.Group
	for _, s := range c.sessions {
		s := s
		g.Go(func() error {
			d, err := s.Detect(ctx, c.Window)
			resc <- result{arm: s.Name, det: d, err: err}
			return err
		})
	}
	g.Wait()
	close(resc)
	for res := range resc {
		if res.err != nil {
			if r.Errors == nil {
				r.Errors = make(map[string]error)
			}
			r.Errors[res.arm] = res.err
			continue
		}
		r.Detections[res.arm] = res.det
	}
	r.Elapsed = time.Since(r.Start)
	return r, r.Err()
}

// Run polls until ctx ends or MaxRounds rounds have been polled. Skipped
// rounds count toward MaxRounds. After a skipped round Run waits at least
// Window before polling again.
func (c *Coordinator) Run(ctx context.Context, sink Sink) error {
	var tick <-chan time.Time
	if c.Interval > 0 {
		t := time.NewTicker(c.Interval)
		defer t.Stop()
		tick = t.C
	}
	for polled := 0; c.MaxRounds <= 0 || polled < c.MaxRounds; polled++ {
		r, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l := log.WithFields(log.Fields{"round": r.Seq, "elapsed": r.Elapsed})
		if err != nil {
			if c.Policy == PolicyAbort {
				return fmt.Errorf("round %d: %w", r.Seq, err)
			}
			l.WithError(err).Warn("skipping round")
			if tick == nil {
				if sleep(ctx, c.Window) != nil {
					return nil
				}
				continue
			}
		} else {
			if err := sink.Emit(ctx, r); err != nil {
				return fmt.Errorf("round %d: %w", r.Seq, err)
			}
			l.Debug("round emitted")
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}
