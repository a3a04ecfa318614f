// Package supervisor implements the subprocess lifecycle engine: a generic
// spawn/terminate state machine (Base) and two specializations, Pausable
// and OnDemand, that layer deferred-start and idle-lease behavior on top
// of it without subclassing.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// terminateTimeout is how long terminate() waits for a graceful exit
// before escalating to a forceful kill.
const terminateTimeout = 5 * time.Second

// EventSink records a supervisor lifecycle transition. Implemented by
// audit.Log; kept as a narrow interface here so this package never imports
// the storage layer directly.
type EventSink interface {
	Event(supervisor, kind, detail string)
}

// Notifier is alerted on conditions worth paging a human about.
// Implemented by notify.Telegram.
type Notifier interface {
	UnexpectedExit(supervisor string)
	KillEscalation(supervisor string)
}

type noopSink struct{}

func (noopSink) Event(string, string, string) {}

type noopNotifier struct{}

func (noopNotifier) UnexpectedExit(string)  {}
func (noopNotifier) KillEscalation(string) {}

// Base is the common subprocess supervisor (C1): idle ⇄ running, with
// graceful-then-forceful termination and incremental stdout/stderr relay.
// Pausable and OnDemand each embed a *Base and specialize when _run is
// allowed to actually spawn, and what happens after the child is reaped.
type Base struct {
	Name    string
	Cmdline []string
	Workdir string
	Runner  Runner

	Log      *slog.Logger
	Audit    EventSink
	Notifier Notifier

	// onLine receives every relayed stdout/stderr line.
	onLine func(line string)

	// afterReap is invoked once the child has been reaped, after
	// terminatedByManager has been read (but before it is cleared by the
	// next start). Pausable and OnDemand set this to their own hooks.
	afterReap func(terminatedByManager bool)

	// gate, when set, blocks _run from spawning until it returns true.
	// Pausable installs a deferred-start gate; OnDemand leaves this nil.
	gate func() bool

	// preRun, when set, is invoked once at the top of every _run, before
	// the gate is even consulted. OnDemand uses this to launch its
	// idle-lease watcher when none is running.
	preRun func()

	mu                  sync.Mutex
	handle              Handle
	running             bool
	terminatedByManager bool
}

// NewBase constructs a Base using the given Runner (execRunner by default).
func NewBase(name string, cmdline []string, workdir string, runner Runner) *Base {
	return &Base{
		Name:     name,
		Cmdline:  cmdline,
		Workdir:  workdir,
		Runner:   runner,
		Log:      slog.Default(),
		Audit:    noopSink{},
		Notifier: noopNotifier{},
		onLine:   func(string) {},
	}
}

// SetOnLine overrides where relayed child output goes (default: discarded).
func (b *Base) SetOnLine(f func(line string)) { b.onLine = f }

// Running reports whether a child is currently spawned and not yet reaped.
func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start is the idempotent request to have a running child: if none exists,
// or the previous one has already been reaped, it schedules _run in the
// background and returns immediately. terminatedByManager is cleared.
func (b *Base) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.terminatedByManager = false
	b.mu.Unlock()

	go b.run(ctx)
}

// run spawns the child, relays its output, and waits for it to exit. It is
// guarded by the running flag set in Start so at most one copy runs at a
// time per supervisor.
func (b *Base) run(ctx context.Context) {
	if b.preRun != nil {
		b.preRun()
	}

	if b.gate != nil {
		for !b.gate() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.running = false
				b.mu.Unlock()
				return
			case <-time.After(time.Second):
			}
		}
	}

	handle, err := b.Runner.Start(ctx, b.Cmdline, b.Workdir, b.onLine)
	if err != nil {
		b.Log.Error("spawn failed", "supervisor", b.Name, "error", err)
		b.Audit.Event(b.Name, "spawn_error", err.Error())
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	b.handle = handle
	b.mu.Unlock()
	b.Audit.Event(b.Name, "start", fmt.Sprintf("cmdline=%v", b.Cmdline))

	waitErr := handle.Wait(context.Background())

	b.mu.Lock()
	terminatedByManager := b.terminatedByManager
	b.handle = nil
	b.running = false
	b.mu.Unlock()

	if !terminatedByManager {
		if waitErr != nil {
			b.Log.Warn("child exited unexpectedly", "supervisor", b.Name, "error", waitErr)
		} else {
			b.Log.Warn("child exited unexpectedly", "supervisor", b.Name)
		}
		b.Notifier.UnexpectedExit(b.Name)
	}

	if b.afterReap != nil {
		b.afterReap(terminatedByManager)
	}
}

// Terminate marks the stop as operator-intended, then — if a live child
// exists — signals it gracefully, waits up to terminateTimeout, and
// escalates to a forceful kill on timeout. A no-op when no child is
// running.
func (b *Base) Terminate(ctx context.Context) error {
	b.mu.Lock()
	b.terminatedByManager = true
	handle := b.handle
	b.mu.Unlock()

	if handle == nil {
		return nil
	}

	if err := handle.Signal(true); err != nil {
		b.Log.Warn("graceful signal failed", "supervisor", b.Name, "error", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, terminateTimeout)
	defer cancel()

	if err := handle.Wait(waitCtx); err != nil {
		b.Audit.Event(b.Name, "kill", "graceful termination timed out")
		b.Notifier.KillEscalation(b.Name)
		if err := handle.Signal(false); err != nil {
			return fmt.Errorf("forceful kill of %s failed: %w", b.Name, err)
		}
		if err := handle.Wait(context.Background()); err != nil {
			return fmt.Errorf("wait after kill of %s failed: %w", b.Name, err)
		}
	}

	b.Audit.Event(b.Name, "terminate", "")
	return nil
}
