// Package coordinator arbitrates mutual exclusion across the supervisors
// registered with it: it knows how to pause every pausable background
// worker, evict whichever on-demand backends conflict with the one about
// to be started, and resume everything afterward.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelrun/procgate/supervisor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/kestrelrun/procgate/coordinator")

// Coordinator holds the two ordered sequences from §4.4: every pausable
// background worker, and every on-demand backend across every dispatcher
// port. A preemptive runtime needs real locking around both, unlike the
// cooperative scheduler the design was originally built for — mu guards
// both slices, and every stop_all_* takes a snapshot before iterating so a
// concurrent Add/Remove during termination can't deadlock or skip entries.
type Coordinator struct {
	log *slog.Logger

	mu        sync.RWMutex
	pausable  []*supervisor.Pausable
	ondemand  []*supervisor.OnDemand
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates an empty Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddPausable registers a pausable background worker.
func (c *Coordinator) AddPausable(p *supervisor.Pausable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pausable = append(c.pausable, p)
}

// AddOnDemand registers an on-demand backend.
func (c *Coordinator) AddOnDemand(o *supervisor.OnDemand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ondemand = append(c.ondemand, o)
}

// Remove drops the named supervisor from whichever sequence holds it. A
// name not present in either sequence is silently ignored.
func (c *Coordinator) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.pausable {
		if p.Name == name {
			c.pausable = append(c.pausable[:i], c.pausable[i+1:]...)
			return
		}
	}
	for i, o := range c.ondemand {
		if o.Name == name {
			c.ondemand = append(c.ondemand[:i], c.ondemand[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) pausableSnapshot() []*supervisor.Pausable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*supervisor.Pausable, len(c.pausable))
	copy(out, c.pausable)
	return out
}

func (c *Coordinator) ondemandSnapshot() []*supervisor.OnDemand {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*supervisor.OnDemand, len(c.ondemand))
	copy(out, c.ondemand)
	return out
}

// StopAllPausable terminates every pausable worker, in registration order.
// If requester is non-nil, each is rescheduled to start again only after
// requester's idle lease could plausibly have expired.
func (c *Coordinator) StopAllPausable(ctx context.Context, requester *supervisor.OnDemand) {
	ctx, span := tracer.Start(ctx, "coordinator.stop_all_pausable")
	defer span.End()

	for _, p := range c.pausableSnapshot() {
		if err := p.Terminate(ctx); err != nil {
			c.log.Error("pausable terminate failed", "supervisor", p.Name, "error", err)
		}
		if requester != nil {
			p.Reschedule(time.Now().Add(requester.Timeout))
		}
	}
}

// StopAllOnDemand terminates every on-demand backend that requester's
// conflicts_with names.
func (c *Coordinator) StopAllOnDemand(ctx context.Context, requester *supervisor.OnDemand) {
	ctx, span := tracer.Start(ctx, "coordinator.stop_all_ondemand",
		trace.WithAttributes(attribute.String("requester", requester.Name)))
	defer span.End()

	conflicts := make(map[string]bool, len(requester.ConflictsWith))
	for _, name := range requester.ConflictsWith {
		conflicts[name] = true
	}

	for _, o := range c.ondemandSnapshot() {
		if !conflicts[o.Name] {
			continue
		}
		if err := o.Terminate(ctx); err != nil {
			c.log.Error("on-demand terminate failed", "supervisor", o.Name, "error", err)
		}
	}
}

// StopAll always stops every pausable; if requester is given it
// additionally stops requester's on-demand conflicts. A nil requester
// implements the "pause everything" control route.
func (c *Coordinator) StopAll(ctx context.Context, requester *supervisor.OnDemand) {
	ctx, span := tracer.Start(ctx, "coordinator.stop_all")
	defer span.End()

	c.StopAllPausable(ctx, requester)
	if requester != nil {
		c.StopAllOnDemand(ctx, requester)
	}
}

// ResumeAll starts every pausable worker, honoring each one's current
// scheduled start time.
func (c *Coordinator) ResumeAll(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "coordinator.resume_all")
	defer span.End()

	for _, p := range c.pausableSnapshot() {
		p.Start(ctx)
	}
}
