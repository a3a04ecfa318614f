package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Pausable is a long-running background worker that defers its start until
// a scheduled time and restarts itself immediately if it ever dies without
// being told to stop. It is suspended (terminated) while an on-demand
// backend holds the floor, and resumes once the coordinator calls Start
// again.
//
// A Pausable may optionally carry a cron schedule (e.g. a nightly batch
// job): once set, a death no longer triggers an immediate restart — the
// next scheduled start is computed from the cron expression instead.
type Pausable struct {
	*Base

	mu             sync.Mutex
	scheduledStart time.Time
	cronSchedule   cron.Schedule
}

// NewPausable wraps base as a pausable supervisor, ready to start immediately.
func NewPausable(base *Base) *Pausable {
	p := &Pausable{Base: base, scheduledStart: time.Now()}
	base.gate = p.readyToRun
	base.afterReap = p.afterReap
	return p
}

func (p *Pausable) readyToRun() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !time.Now().Before(p.scheduledStart)
}

// afterReap implements the auto-restart rule: if the child died on its own
// (not via Terminate), it normally starts again right away. A Pausable
// with a cron schedule set is instead rescheduled to the next cron tick,
// whether the exit was unexpected or the coordinator stopped it for another
// backend's turn; a child that exited on its own is started again at that
// tick.
func (p *Pausable) afterReap(terminatedByManager bool) {
	p.mu.Lock()
	sched := p.cronSchedule
	p.mu.Unlock()

	if sched != nil {
		p.Reschedule(sched.Next(time.Now()))
		if !terminatedByManager {
			p.Start(context.Background())
		}
		return
	}

	if !terminatedByManager {
		p.StartImmediately(context.Background())
	}
}

// SetCronSchedule parses a standard five-field cron expression and arms
// this Pausable to run only at the schedule's ticks from now on, rather
// than continuously with immediate auto-restart. The next tick is computed
// and set as the deferred start time immediately.
func (p *Pausable) SetCronSchedule(expr string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("parse cron schedule %q: %w", expr, err)
	}
	p.mu.Lock()
	p.cronSchedule = sched
	p.scheduledStart = sched.Next(time.Now())
	p.mu.Unlock()
	return nil
}

// StartImmediately clears any deferred start time and starts the child now.
func (p *Pausable) StartImmediately(ctx context.Context) {
	p.mu.Lock()
	p.scheduledStart = time.Now()
	p.mu.Unlock()
	p.Start(ctx)
}

// Reschedule sets the time the next deferred start should take effect. It
// is picked up by the poll loop inside run() within one second.
func (p *Pausable) Reschedule(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduledStart = t
}

// ScheduledStart returns the currently configured deferred-start time.
func (p *Pausable) ScheduledStart() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scheduledStart
}
