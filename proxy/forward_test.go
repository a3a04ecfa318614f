package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelrun/procgate/supervisor"
)

type recordingSink struct {
	events []string
}

func (s *recordingSink) Event(supervisorName, kind, detail string) {
	s.events = append(s.events, kind)
}

func backendFor(endpoint string) *supervisor.OnDemand {
	base := supervisor.NewBase("backend", []string{"backend"}, ".", nopRunner{})
	return supervisor.NewOnDemand(base, time.Minute, endpoint, nil, nil)
}

func TestForwardRetriesUntilBackendIsReachable(t *testing.T) {
	var attempts int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			// Simulate "not up yet" by closing the connection immediately
			// rather than answering — the hijack just drops it.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	origRetryInterval := retryInterval
	setRetryInterval(10 * time.Millisecond)
	defer setRetryInterval(origRetryInterval)

	fwd := NewForwarder(slog.Default(), &recordingSink{})
	backend := backendFor(upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	fwd.Forward(rec, req, nil, backend)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after retries, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestForwardStopsStreamingOnClientDisconnect(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 50; i++ {
			w.Write([]byte("chunk\n"))
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	fwd := NewForwarder(slog.Default(), &recordingSink{})
	backend := backendFor(upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	fwd.Forward(rec, req, nil, backend)

	if rec.Body.Len() >= 50*len("chunk\n") {
		t.Fatalf("expected streaming to stop early after disconnect, got %d bytes", rec.Body.Len())
	}
}

func TestForwardTimesOutYields500(t *testing.T) {
	fwd := NewForwarder(slog.Default(), &recordingSink{})
	backend := backendFor("http://127.0.0.1:1")

	origOverallTimeout := overallTimeout
	setOverallTimeout(20 * time.Millisecond)
	defer setOverallTimeout(origOverallTimeout)
	origRetryInterval := retryInterval
	setRetryInterval(5 * time.Millisecond)
	defer setRetryInterval(origRetryInterval)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	fwd.Forward(rec, req, nil, backend)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after timeout, got %d", rec.Code)
	}
}
