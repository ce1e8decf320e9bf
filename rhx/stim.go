package rhx

import (
	"fmt"
	"time"
)

// UploadSettle is how long the controller needs to take new stim parameters.
const UploadSettle = time.Second

type StimParams struct {
	AmplitudeMicroamps   int
	DurationMicroseconds int
	// Source is the trigger source, e.g. "keypressf1".
	Source string
}

func (c *CommandClient) requireStim() error {
	t, err := c.Type()
	if err != nil {
		return err
	}
	if !t.IsStim() {
		return fmt.Errorf("%w: %s", ErrControllerType, t)
	}
	return nil
}

// ConfigureStim enables stimulation on ch with a single first-phase pulse shape.
func (c *CommandClient) ConfigureStim(ch Channel, p StimParams) error {
	if err := c.requireStim(); err != nil {
		return err
	}
	if p.Source == "" {
		p.Source = "keypressf1"
	}
	cmds := []string{
		fmt.Sprintf("set %s.stimenabled true", ch),
		fmt.Sprintf("set %s.source %s", ch, p.Source),
		fmt.Sprintf("set %s.firstphaseamplitudemicroamps %d", ch, p.AmplitudeMicroamps),
		fmt.Sprintf("set %s.firstphasedurationmicroseconds %d", ch, p.DurationMicroseconds),
	}
	for _, cmd := range cmds {
		if err := c.Exec(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (c *CommandClient) UploadStim(ch Channel) error {
	if err := c.Send("execute uploadstimparameters " + ch.String()); err != nil {
		return err
	}
	time.Sleep(UploadSettle)
	return nil
}

// TriggerStim fires a manual trigger such as "f1".
func (c *CommandClient) TriggerStim(key string) error {
	return c.Exec("execute manualstimtriggerpulse " + key)
}
