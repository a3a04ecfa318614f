package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/kestrelrun/procgate/container"
)

// dockerRunner runs a backend as a named Docker container instead of a bare
// child process, for entries that declare "runtime": "docker". The
// container's name doubles as its identity across Start/Stop/Remove calls.
type dockerRunner struct {
	mgr   *container.Manager
	image string
}

// NewDockerRunner returns a Runner backed by the given container manager.
// image is the image used for every backend started through this runner.
func NewDockerRunner(mgr *container.Manager, image string) Runner {
	return &dockerRunner{mgr: mgr, image: image}
}

func (r *dockerRunner) Start(ctx context.Context, cmdline []string, workdir string, onLine func(line string)) (Handle, error) {
	if !r.mgr.Available() {
		return nil, fmt.Errorf("docker runtime requested but daemon unavailable")
	}

	name := dockerHandleName(cmdline)
	_, err := r.mgr.Start(ctx, container.Spec{
		Name:    name,
		Image:   r.image,
		Cmd:     cmdline,
		WorkDir: workdir,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	h := &dockerHandle{mgr: r.mgr, name: name, done: make(chan struct{})}
	go func() {
		logCtx, cancel := context.WithCancel(context.Background())
		h.cancelLogs = cancel
		r.mgr.Logs(logCtx, name, onLine)
	}()
	go h.watch()

	return h, nil
}

// dockerHandleName derives a stable container name from the backend's
// command line. Real config entries give each backend a distinct cmdline,
// so the first token plus a hash of the whole command line is enough to avoid collisions
// between two backends that share a binary.
func dockerHandleName(cmdline []string) string {
	sum := 0
	for _, arg := range cmdline {
		for _, c := range arg {
			sum = sum*31 + int(c)
		}
	}
	base := "backend"
	if len(cmdline) > 0 {
		base = cmdline[0]
	}
	return fmt.Sprintf("%s-%x", sanitize(base), uint32(sum))
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

type dockerHandle struct {
	mgr        *container.Manager
	name       string
	done       chan struct{}
	cancelLogs context.CancelFunc
}

func (h *dockerHandle) watch() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if !h.mgr.Running(context.Background(), h.name) {
			close(h.done)
			return
		}
	}
}

func (h *dockerHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *dockerHandle) Signal(graceful bool) error {
	ctx := context.Background()
	if graceful {
		return h.mgr.Stop(ctx, h.name, 5*time.Second)
	}
	if h.cancelLogs != nil {
		h.cancelLogs()
	}
	return h.mgr.Remove(ctx, h.name)
}

func (h *dockerHandle) Alive() bool {
	return h.mgr.Running(context.Background(), h.name)
}
