package proxy

import (
	"context"
	"regexp"
	"testing"

	"github.com/kestrelrun/procgate/supervisor"
)

type nopRunner struct{}

func (nopRunner) Start(ctx context.Context, cmdline []string, workdir string, onLine func(string)) (supervisor.Handle, error) {
	return &nopHandle{done: make(chan struct{})}, nil
}

type nopHandle struct{ done chan struct{} }

func (h *nopHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (h *nopHandle) Signal(graceful bool) error {
	if !graceful {
		close(h.done)
	}
	return nil
}
func (h *nopHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func newTestBackend(name, endpoint string, re *regexp.Regexp) *supervisor.OnDemand {
	base := supervisor.NewBase(name, []string{name}, ".", nopRunner{})
	return supervisor.NewOnDemand(base, 0, endpoint, nil, re)
}

func TestPoolSelectMatchesAnchoredRegex(t *testing.T) {
	main := newTestBackend("main", "http://main", nil)
	query := newTestBackend("query", "http://query", regexp.MustCompile(`^query:`))

	pool := &Pool{Path: "/", Port: 8000, Backends: []*supervisor.OnDemand{query, main}}

	got, err := pool.Select([]byte("query:foo"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != query {
		t.Fatalf("expected query backend, got %v", got.Name)
	}
}

func TestPoolSelectFallsBackToMain(t *testing.T) {
	main := newTestBackend("main", "http://main", nil)
	query := newTestBackend("query", "http://query", regexp.MustCompile(`^query:`))

	pool := &Pool{Path: "/", Port: 8000, Backends: []*supervisor.OnDemand{query, main}}

	got, err := pool.Select([]byte("other"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != main {
		t.Fatalf("expected main backend, got %v", got.Name)
	}
}

func TestPoolSelectNoMatchNoMainErrors(t *testing.T) {
	query := newTestBackend("query", "http://query", regexp.MustCompile(`^query:`))
	pool := &Pool{Path: "/", Port: 8000, Backends: []*supervisor.OnDemand{query}}

	if _, err := pool.Select([]byte("other")); err == nil {
		t.Fatal("expected error when nothing matches and no main exists")
	}
}

func TestPoolMainIgnoresBody(t *testing.T) {
	main := newTestBackend("main", "http://main", nil)
	pool := &Pool{Path: "/", Port: 8000, Backends: []*supervisor.OnDemand{main}}

	got, err := pool.Main()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != main {
		t.Fatalf("expected main backend")
	}
}
