package rhx

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// SetRecordTarget points the controller's own disk recording at dir/base.
func (c *CommandClient) SetRecordTarget(dir, base string) error {
	if err := c.Exec("set filename.basefilename " + base); err != nil {
		return err
	}
	return c.Exec("set filename.path " + dir)
}

// RecordToDisk has the controller record to its configured file for d.
// Stop is sent even if ctx ends first.
func (c *CommandClient) RecordToDisk(ctx context.Context, d time.Duration) error {
	if err := c.SetRunMode(RunModeRecord); err != nil {
		return err
	}
	log.WithField("duration", d).Info("controller recording to disk")
	werr := wait(ctx, d)
	if err := c.SetRunMode(RunModeStop); err != nil {
		return err
	}
	return werr
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
