// Package main runs the procgate daemon: it loads config.json (or
// config.yaml), registers every configured supervisor, starts the pausable
// workers (on-demand backends wait for their first request), and serves one
// HTTP dispatcher per port until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kestrelrun/procgate/audit"
	"github.com/kestrelrun/procgate/config"
	"github.com/kestrelrun/procgate/container"
	"github.com/kestrelrun/procgate/coordinator"
	"github.com/kestrelrun/procgate/notify"
	"github.com/kestrelrun/procgate/proxy"
	"github.com/kestrelrun/procgate/supervisor"
	"github.com/kestrelrun/procgate/telemetry"
)

func main() {
	fs := flag.NewFlagSet("procgated", flag.ExitOnError)
	configPath := fs.String("config", "config.json", "path to config.json or config.yaml")
	otlpEndpoint := fs.String("otlp-endpoint", "", "OTLP/HTTP collector endpoint (empty disables export)")
	auditDB := fs.String("audit-db", "procgate-audit.db", "path to the audit log SQLite database")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")

	fs.Usage = func() {
		fmt.Println(`Usage: procgated [options]

Run the reverse-proxy process supervisor described by -config.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	log := telemetry.NewLogger(*logLevel)

	shutdownTracing, err := telemetry.TracerProvider(context.Background(), *otlpEndpoint)
	if err != nil {
		log.Error("tracer provider init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	if err := run(*configPath, *auditDB, log); err != nil {
		log.Error("procgated exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, auditDBPath string, log *slog.Logger) error {
	doc, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	auditLog, err := audit.Open(auditDBPath, log)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	var notifier supervisor.Notifier = notify.Noop{}
	if doc.Notifications.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(doc.Notifications.TelegramBotToken, doc.Notifications.TelegramChatID, log)
		if err != nil {
			log.Warn("telegram notifier init failed, continuing without alerts", "error", err)
		} else {
			notifier = tg
		}
	}

	var dockerMgr *container.Manager
	needsDocker := false
	for _, d := range doc.Dispatchers {
		for _, b := range d.Backends {
			if b.Runtime == "docker" {
				needsDocker = true
			}
		}
	}
	if needsDocker {
		dockerMgr = container.NewManager(log)
		defer dockerMgr.Close()
		if !dockerMgr.Available() {
			log.Warn("docker runtime requested by config but daemon is unreachable")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(coordinator.WithLogger(log))

	var pausables []*supervisor.Pausable
	for _, w := range doc.Workers {
		base := newBase(w.Name, w.Cmdline, w.Workdir, supervisor.NewExecRunner(), log, auditLog, notifier)
		p := supervisor.NewPausable(base)
		pausables = append(pausables, p)
		coord.AddPausable(p)
	}

	var dispatchers []*proxy.Dispatcher
	for _, d := range doc.Dispatchers {
		pool := &proxy.Pool{Path: d.Path, Port: d.Port}
		for _, b := range d.Backends {
			runner := runnerFor(b, dockerMgr)
			base := newBase(b.Name, b.Cmdline, b.Workdir, runner, log, auditLog, notifier)

			timeout := minutesToDuration(b.TimeoutMin)
			od := supervisor.NewOnDemand(base, timeout, b.Endpoint, b.ConflictsWith, b.BodyRegex)
			pool.Backends = append(pool.Backends, od)
			coord.AddOnDemand(od)
		}

		fwd := proxy.NewForwarder(log, auditLog)
		dispatchers = append(dispatchers, proxy.NewDispatcher(d.Port, pool, coord, fwd, log))
	}

	// Pausable workers run continuously from boot, unlike on-demand
	// backends which wait for their first matching request.
	for _, p := range pausables {
		p.StartImmediately(ctx)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(dispatchers))
	for _, d := range dispatchers {
		wg.Add(1)
		go func(d *proxy.Dispatcher) {
			defer wg.Done()
			if err := d.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("dispatcher on port %d: %w", d.Port, err)
			}
		}(d)
	}

	log.Info("procgate started", "dispatchers", len(dispatchers), "workers", len(doc.Workers))

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// newBase builds a Base wired to the shared logger, audit log, and notifier,
// and relays the child's stdout/stderr lines to the host's stdout prefixed
// with its supervisor name.
func newBase(name string, cmdline []string, workdir string, runner supervisor.Runner, log *slog.Logger, auditLog *audit.Log, notifier supervisor.Notifier) *supervisor.Base {
	base := supervisor.NewBase(name, cmdline, workdir, runner)
	base.Log = log
	base.Audit = auditLog
	base.Notifier = notifier
	base.SetOnLine(func(line string) {
		fmt.Fprintf(os.Stdout, "[%s] %s\n", name, line)
	})
	return base
}

func runnerFor(b config.Backend, dockerMgr *container.Manager) supervisor.Runner {
	if b.Runtime == "docker" {
		return supervisor.NewDockerRunner(dockerMgr, b.Image)
	}
	return supervisor.NewExecRunner()
}

func minutesToDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}
