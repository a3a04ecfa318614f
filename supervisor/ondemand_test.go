package supervisor

import (
	"context"
	"regexp"
	"testing"
	"time"
)

func TestOnDemandMatchesAnchoredRegex(t *testing.T) {
	re := regexp.MustCompile(`^query:`)
	o := &OnDemand{BodyRegex: re}

	if !o.Matches([]byte("query:foo")) {
		t.Error("expected match at start of body")
	}
	if o.Matches([]byte("other")) {
		t.Error("expected no match")
	}
	if o.Matches([]byte("not query:foo")) {
		t.Error("match must be anchored at position 0, not found anywhere in body")
	}
}

func TestOnDemandMainHasNoRegex(t *testing.T) {
	main := &OnDemand{}
	if !main.IsMain() {
		t.Error("supervisor with nil BodyRegex should be main")
	}
	sub := &OnDemand{BodyRegex: regexp.MustCompile(`x`)}
	if sub.IsMain() {
		t.Error("supervisor with a BodyRegex should not be main")
	}
}

func TestOnDemandStartExtendsLeaseAndWatcherTerminates(t *testing.T) {
	runner := &fakeRunner{}
	base := NewBase("model-a", []string{"serve"}, ".", runner)
	o := NewOnDemand(base, 100*time.Millisecond, "http://127.0.0.1:9/", nil, nil)

	o.Start(context.Background())
	waitForCondition(t, func() bool { return runner.last() != nil })

	h := runner.last()
	// The watcher should terminate the child once the lease elapses,
	// without any further request extending it.
	waitForCondition(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.signaled) > 0
	})
}

func TestOnDemandRepeatedStartExtendsLeaseWithoutRespawning(t *testing.T) {
	runner := &fakeRunner{}
	base := NewBase("model-a", []string{"serve"}, ".", runner)
	o := NewOnDemand(base, 5*time.Second, "http://127.0.0.1:9/", nil, nil)

	o.Start(context.Background())
	waitForCondition(t, func() bool { return runner.startCount() == 1 })

	o.Start(context.Background()) // extends the lease, must not spawn again
	time.Sleep(20 * time.Millisecond)

	if runner.startCount() != 1 {
		t.Fatalf("expected exactly one spawn across repeated Start calls, got %d", runner.startCount())
	}
}
