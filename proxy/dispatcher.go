package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kestrelrun/procgate/coordinator"
	"github.com/kestrelrun/procgate/supervisor"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Dispatcher is the per-port HTTP listener from §4.5: it owns the control
// routes and the proxy route for one Pool, bound to a shared Coordinator.
type Dispatcher struct {
	Port        int
	Pool        *Pool
	Coordinator *coordinator.Coordinator
	Forwarder   *Forwarder
	Log         *slog.Logger
}

// NewDispatcher wires a Dispatcher for one port's pool.
func NewDispatcher(port int, pool *Pool, coord *coordinator.Coordinator, fwd *Forwarder, log *slog.Logger) *Dispatcher {
	return &Dispatcher{Port: port, Pool: pool, Coordinator: coord, Forwarder: fwd, Log: log}
}

// Handler builds the route table for this dispatcher, wrapped in an
// OpenTelemetry span per inbound request.
func (d *Dispatcher) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stopcoordinator", d.handleStopCoordinator)
	mux.HandleFunc("/startcoordinator", d.handleStartCoordinator)

	prefix := d.Pool.Path
	mux.HandleFunc(prefix, d.handleProxy)
	if prefix == "" || prefix[len(prefix)-1] != '/' {
		mux.HandleFunc(prefix+"/", d.handleProxy)
	}

	return otelhttp.NewHandler(mux, fmt.Sprintf("dispatcher:%d", d.Port))
}

// ListenAndServe blocks serving this dispatcher's port until ctx is
// cancelled, then shuts the server down gracefully.
func (d *Dispatcher) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", d.Port),
		Handler: d.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.Log.Info("dispatcher listening", "port", d.Port, "path", d.Pool.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (d *Dispatcher) handleStopCoordinator(w http.ResponseWriter, r *http.Request) {
	d.Coordinator.StopAll(r.Context(), nil)
	writeStatusOK(w)
}

func (d *Dispatcher) handleStartCoordinator(w http.ResponseWriter, r *http.Request) {
	d.Coordinator.ResumeAll(r.Context())
	writeStatusOK(w)
}

// handleProxy implements the route table's proxy row: select a backend
// (by body regex for POST/PUT/PATCH, else the pool's main), stop whatever
// conflicts with it, start it, and proxy the request. Resume_all always
// runs on the way out, win lose or draw.
func (d *Dispatcher) handleProxy(w http.ResponseWriter, r *http.Request) {
	defer d.Coordinator.ResumeAll(context.Background())

	body, backend, err := d.selectBackend(r)
	if err != nil {
		d.Log.Error("backend selection failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Error! "+err.Error(), http.StatusInternalServerError)
		return
	}

	d.Coordinator.StopAll(r.Context(), backend)
	backend.Start(r.Context())

	d.Forwarder.Forward(w, r, body, backend)
}

// selectBackend reads the full body for POST/PUT/PATCH (selection needs it
// for the regex match) and selects by body; every other method selects the
// pool's main backend without reading the body at all.
func (d *Dispatcher) selectBackend(r *http.Request) ([]byte, *supervisor.OnDemand, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("read request body: %w", err)
		}
		backend, err := d.Pool.Select(body)
		return body, backend, err
	default:
		backend, err := d.Pool.Main()
		return nil, backend, err
	}
}

func writeStatusOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
