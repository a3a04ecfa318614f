package supervisor

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// OnDemand is a backend spawned only to serve a request and reaped after an
// idle lease expires. Every call to Start extends the lease; a single
// background watcher polls the lease and terminates the child once it runs
// out.
type OnDemand struct {
	*Base

	Timeout       time.Duration
	Endpoint      string
	ConflictsWith []string
	BodyRegex     *regexp.Regexp // nil marks this the pool's main backend

	mu          sync.Mutex
	scheduleEnd time.Time

	wmu     sync.Mutex
	watched bool
}

// NewOnDemand wraps base as an on-demand supervisor.
func NewOnDemand(base *Base, timeout time.Duration, endpoint string, conflictsWith []string, bodyRegex *regexp.Regexp) *OnDemand {
	o := &OnDemand{
		Base:          base,
		Timeout:       timeout,
		Endpoint:      endpoint,
		ConflictsWith: conflictsWith,
		BodyRegex:     bodyRegex,
	}
	base.preRun = o.preRun
	base.afterReap = o.afterReap
	return o
}

// IsMain reports whether this supervisor is the pool's fallback backend.
func (o *OnDemand) IsMain() bool { return o.BodyRegex == nil }

// Matches reports whether body matches this backend's regex anchored at
// position 0, the same "match from the start" semantics as an anchored
// regex match against the beginning of the string.
func (o *OnDemand) Matches(body []byte) bool {
	if o.BodyRegex == nil {
		return false
	}
	loc := o.BodyRegex.FindIndex(body)
	return loc != nil && loc[0] == 0
}

// Start extends the idle lease to now+Timeout and delegates to Base.Start,
// so every inbound request both (re)starts and extends the lease in one
// call.
func (o *OnDemand) Start(ctx context.Context) {
	o.mu.Lock()
	o.scheduleEnd = time.Now().Add(o.Timeout)
	o.mu.Unlock()
	o.Base.Start(ctx)
}

// preRun launches the idle-lease watcher unless one is already running;
// watch() clears watched when it exits, so the next lease gets a fresh
// watcher. watched is set from inside watch() itself, not before it is
// scheduled — so a _run invoked in the narrow window between this check
// and the goroutine actually starting could in principle race and spawn a
// second watcher; Base.run's running guard prevents a second child from
// ever being spawned concurrently, which is the property that matters.
func (o *OnDemand) preRun() {
	o.wmu.Lock()
	alreadyWatched := o.watched
	o.wmu.Unlock()
	if !alreadyWatched {
		go o.watch()
	}
}

func (o *OnDemand) watch() {
	o.wmu.Lock()
	o.watched = true
	o.wmu.Unlock()

	for {
		o.mu.Lock()
		end := o.scheduleEnd
		o.mu.Unlock()
		if !time.Now().Before(end) {
			break
		}
		time.Sleep(time.Second)
	}

	o.Terminate(context.Background())

	o.wmu.Lock()
	o.watched = false
	o.wmu.Unlock()
}

// afterReap always collapses the lease to now, so any watcher still
// polling exits on its next tick, regardless of whether the child died on
// its own or was terminated. On-demand backends never auto-restart: they
// start only in response to a request.
func (o *OnDemand) afterReap(bool) {
	o.mu.Lock()
	o.scheduleEnd = time.Now()
	o.mu.Unlock()
}
