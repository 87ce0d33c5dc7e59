package refresh

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule requests an AllWorkloads pass on the given cron spec (for example
// "@every 30s" or "*/5 * * * *"). Scheduled requests go through the same
// coalescing entry point as every other request. Calling Schedule again
// replaces the previous schedule.
func (c *Coordinator) Schedule(spec string) error {
	sched := cron.New()
	if _, err := sched.AddFunc(spec, func() {
		go func() {
			if err := <-c.Request(AllWorkloads()); err != nil {
				c.log.Warn().Err(err).Msg("scheduled refresh failed")
			}
		}()
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	c.mu.Lock()
	old := c.sched
	c.sched = sched
	c.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	sched.Start()
	c.log.Info().Str("schedule", spec).Msg("periodic refresh scheduled")
	return nil
}
