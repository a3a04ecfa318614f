package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestBaseStartIsIdempotentWhileRunning(t *testing.T) {
	runner := &fakeRunner{}
	b := NewBase("test", []string{"echo"}, ".", runner)

	ctx := context.Background()
	b.Start(ctx)
	waitForCondition(t, func() bool { return runner.startCount() == 1 })

	b.Start(ctx) // no-op: already running
	b.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	if got := runner.startCount(); got != 1 {
		t.Fatalf("expected exactly one spawn, got %d", got)
	}
}

func TestBaseTerminateIsNoOpWhenIdle(t *testing.T) {
	runner := &fakeRunner{}
	b := NewBase("test", []string{"echo"}, ".", runner)

	if err := b.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate on idle supervisor returned error: %v", err)
	}
	if runner.startCount() != 0 {
		t.Fatalf("Terminate must not spawn anything")
	}
}

func TestBaseTerminateGracefulThenEscalates(t *testing.T) {
	runner := &fakeRunner{}
	b := NewBase("test", []string{"echo"}, ".", runner)
	b.Start(context.Background())
	waitForCondition(t, func() bool { return runner.last() != nil })

	h := runner.last()
	// The fake never exits on a graceful signal alone, forcing Terminate
	// to wait out terminateTimeout and escalate to a kill.
	done := make(chan error, 1)
	go func() { done <- b.Terminate(context.Background()) }()

	waitForCondition(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.signaled) >= 1
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate returned error: %v", err)
		}
	case <-time.After(terminateTimeout + time.Second):
		t.Fatal("Terminate did not escalate to a forceful kill in time")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.signaled) != 2 || h.signaled[0] != true || h.signaled[1] != false {
		t.Fatalf("expected graceful then forceful signal, got %v", h.signaled)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
