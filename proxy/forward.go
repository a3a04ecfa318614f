package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelrun/procgate/supervisor"
)

// retryInterval and overallTimeout are vars, not consts, so tests can
// shrink them rather than waiting out the real 5s/4m windows.
var (
	retryInterval  = 5 * time.Second
	overallTimeout = 4 * time.Minute
)

// Forwarder issues the outbound request to a selected backend and streams
// its response back to the client, retrying indefinitely while the backend
// is still warming up.
type Forwarder struct {
	Client *http.Client
	Log    *slog.Logger
	Audit  supervisor.EventSink
}

// NewForwarder returns a Forwarder with sane defaults.
func NewForwarder(log *slog.Logger, audit supervisor.EventSink) *Forwarder {
	return &Forwarder{
		Client: &http.Client{},
		Log:    log,
		Audit:  audit,
	}
}

// Forward composes the upstream URL from backend.Endpoint and r's path and
// query, retries the request every retryInterval until it succeeds or
// overallTimeout elapses, then streams the upstream response to w. The
// outbound request uses an independent background context bounded only by
// overallTimeout — it is never tied to r's context, so a client disconnect
// never cancels it; the copy loop below simply stops relaying bytes once
// the client is gone.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, body []byte, backend *supervisor.OnDemand) {
	ctx, cancel := context.WithTimeout(context.Background(), overallTimeout)
	defer cancel()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	resp, err := f.doWithRetry(ctx, r, body, backend, requestID)
	if err != nil {
		kind := "proxy_error"
		if ctx.Err() == context.DeadlineExceeded {
			kind = "proxy_timeout"
		}
		f.Audit.Event(backend.Name, kind, fmt.Sprintf("request_id=%s %s", requestID, err))
		http.Error(w, "Error! "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, strings.TrimSpace(v))
		}
	}
	w.WriteHeader(resp.StatusCode)

	f.stream(w, r, resp.Body, backend.Name)
}

// doWithRetry issues the upstream request, retrying on any transport-level
// failure (refused connection, DNS failure, reset) every retryInterval
// until ctx expires.
func (f *Forwarder) doWithRetry(ctx context.Context, r *http.Request, body []byte, backend *supervisor.OnDemand, requestID string) (*http.Response, error) {
	url := backend.Endpoint + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	for {
		req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build upstream request: %w", err)
		}
		// Copy headers verbatim, key for key, rather than through
		// Header.Set/Add, so casing received from the client is
		// preserved rather than re-canonicalized.
		for k, v := range r.Header {
			req.Header[k] = v
		}
		req.Header.Set("X-Request-Id", requestID)

		resp, err := f.Client.Do(req)
		if err == nil {
			return resp, nil
		}

		f.Log.Debug("upstream unreachable, retrying", "backend", backend.Name, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("upstream %s did not become reachable: %w", backend.Name, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// stream copies body to w in chunks, flushing after each one, and stops
// the moment r's context reports the client disconnected — it does not
// close or cancel body, leaving that to the caller's defer.
func (f *Forwarder) stream(w http.ResponseWriter, r *http.Request, body io.Reader, backendName string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	clientGone := r.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				f.Log.Warn("proxy stream read error", "backend", backendName, "error", err)
			}
			return
		}
	}
}
