// Package schedule runs periodic maintenance jobs on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a usable 5-field cron expression.
func Validate(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// nextDuration returns the time from now until expr next fires, or 0 when
// expr does not parse.
func nextDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Job is a named task fired on a cron expression.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Runner fires jobs until its context is cancelled.
type Runner struct {
	jobs []Job
	log  logrus.FieldLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner validates every job's expression and returns a Runner.
func NewRunner(log logrus.FieldLogger, jobs ...Job) (*Runner, error) {
	for _, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("schedule: job %s has no Run func", j.Name)
		}
		if err := Validate(j.Spec); err != nil {
			return nil, fmt.Errorf("schedule: job %s: %w", j.Name, err)
		}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{jobs: jobs, log: log}, nil
}

// Start launches one timer loop per job.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("schedule: runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
	return nil
}

// Stop cancels the loops and waits for running jobs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.running = false
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	defer r.wg.Done()
	log := r.log.WithField("job", j.Name)
	timer := time.NewTimer(nextDuration(j.Spec, time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.fire(ctx, log, j)
			// Never rearm for zero, which would spin within the firing minute.
			d := nextDuration(j.Spec, time.Now())
			if d < time.Second {
				d = time.Second
			}
			timer.Reset(d)
		}
	}
}

// fire runs one job. Failures are logged; the schedule continues.
func (r *Runner) fire(ctx context.Context, log logrus.FieldLogger, j Job) {
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.WithError(err).Warn("schedule: job failed")
		return
	}
	log.WithField("took", time.Since(start).Round(time.Millisecond)).Debug("schedule: job done")
}
