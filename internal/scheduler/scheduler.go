// Package scheduler runs IntakeFlow's periodic maintenance jobs, such as the
// nightly sweep that deactivates dormant sessions.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler wraps a cron runner with named jobs and slog reporting.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts the job runner. Schedules use the standard
// five-field cron syntax; a panicking job is recovered and logged instead of
// taking the process down.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{})))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a named task. The name identifies the job in logs.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, func() {
		start := time.Now()
		slog.Debug("Scheduler job starting", "job", name)
		task()
		slog.Debug("Scheduler job finished", "job", name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s (%q): %w", name, expr, err)
	}
	slog.Info("Scheduler job registered", "job", name, "schedule", expr)
	return nil
}

// Stop stops scheduling and blocks until any running job finishes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts slog to the logger interface the recovery chain expects.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Info("Scheduler: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}
