// Package scheduler runs WhaleFlow's periodic maintenance jobs. Its only
// current tenant is the idle-session purge, which keeps abandoned
// conversations from accumulating in the session store.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler runs registered jobs on cron schedules until stopped.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts the cron runner. Expressions use the
// standard 5-field grammar (minute granularity); a panicking job is
// recovered so one bad run cannot take the runner down.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob registers task under the given cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler job registered", "expr", expr, "job_id", id)
	return nil
}

// Stop stops the runner and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Debug("Scheduler stopped")
}
