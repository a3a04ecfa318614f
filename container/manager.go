// Package container talks to the Docker daemon on behalf of backends that
// declare "runtime": "docker" in their config entry, standing in for an
// os/exec child process with a long-lived named container.
package container

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	// LabelManagedBy marks every container procgate created.
	LabelManagedBy = "procgate.managed-by"
	namePrefix     = "procgate-"
)

// Spec describes the container a backend should run in.
type Spec struct {
	Name    string // the container is named "procgate-" + Name
	Image   string
	Cmd     []string
	WorkDir string
	Env     []string
}

// Manager handles container lifecycle for docker-runtime backends.
type Manager struct {
	client    *client.Client
	log       *slog.Logger
	mu        sync.RWMutex
	available bool
}

// dialTimeout bounds how long each candidate connection gets to answer a
// ping before NewManager moves on to the next one.
const dialTimeout = 2 * time.Second

// NewManager probes the environment-configured Docker host first, then a
// handful of well-known local socket paths, and keeps the first one that
// answers a ping. A Manager with Available() == false is still safe to
// hold: Start, Stop and Remove return an error and Running reports false.
// The daemon is probed only here, so such a Manager never becomes
// available later.
func NewManager(log *slog.Logger) *Manager {
	m := &Manager{log: log}

	for _, dial := range dockerDialCandidates() {
		cli, err := dial()
		if err != nil {
			continue
		}
		if pingDocker(cli) {
			m.client = cli
			m.available = true
			return m
		}
		cli.Close()
	}

	if log != nil {
		log.Warn("no reachable docker daemon found")
	}
	return m
}

// dockerDialCandidates lists, in trial order, the ways to reach a Docker
// daemon: the environment's configured host first, then the socket paths
// Docker Desktop, plain Linux, and Colima each use by default.
func dockerDialCandidates() []func() (*client.Client, error) {
	home := os.Getenv("HOME")
	sockets := []string{
		"unix://" + home + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + home + "/.colima/docker.sock",
	}

	dials := make([]func() (*client.Client, error), 0, len(sockets)+1)
	dials = append(dials, func() (*client.Client, error) {
		return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	for _, socket := range sockets {
		socket := socket
		dials = append(dials, func() (*client.Client, error) {
			return client.NewClientWithOpts(client.WithHost(socket), client.WithAPIVersionNegotiation())
		})
	}
	return dials
}

func pingDocker(cli *client.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err == nil
}

// Available reports whether the Docker daemon is reachable.
func (m *Manager) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Start creates (or reuses) a container for spec and starts it, returning
// the container ID. The container runs detached; callers stream its output
// separately via Logs.
func (m *Manager) Start(ctx context.Context, spec Spec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return "", fmt.Errorf("docker not available")
	}

	name := namePrefix + spec.Name
	if id, err := m.find(ctx, name); err == nil {
		inspect, err := m.client.ContainerInspect(ctx, id)
		if err == nil && inspect.State.Running {
			return id, nil
		}
		if err == nil {
			if err := m.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
				return "", fmt.Errorf("start existing container: %w", err)
			}
			return id, nil
		}
	}

	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("pull image %s: %w", spec.Image, err)
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkDir,
		Labels:     map[string]string{LabelManagedBy: "procgate"},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// Stop sends the container a graceful stop with the given timeout.
func (m *Manager) Stop(ctx context.Context, name string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return fmt.Errorf("docker not available")
	}
	id, err := m.find(ctx, namePrefix+name)
	if err != nil {
		return nil // already gone
	}
	secs := int(timeout.Seconds())
	return m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

// Remove forcefully stops and removes the container, analogous to SIGKILL
// plus reaping for an os/exec child.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return fmt.Errorf("docker not available")
	}
	id, err := m.find(ctx, namePrefix+name)
	if err != nil {
		return nil
	}
	return m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// Running reports whether the named container is currently running.
func (m *Manager) Running(ctx context.Context, name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.available {
		return false
	}
	id, err := m.find(ctx, namePrefix+name)
	if err != nil {
		return false
	}
	inspect, err := m.client.ContainerInspect(ctx, id)
	return err == nil && inspect.State.Running
}

// Logs streams the container's combined stdout/stderr line by line into
// onLine until ctx is cancelled or the container exits.
func (m *Manager) Logs(ctx context.Context, name string, onLine func(string)) error {
	m.mu.RLock()
	id, err := m.find(ctx, namePrefix+name)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("container not found: %w", err)
	}

	reader, err := m.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	pr, pw := os.Pipe()
	go func() {
		defer pw.Close()
		stdcopy.StdCopy(pw, pw, reader)
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	return scanner.Err()
}

// find resolves name to a container ID via a filtered list-and-match rather
// than an inspect-by-name call, since the Docker API has no direct
// name-to-container lookup.
func (m *Manager) find(ctx context.Context, name string) (string, error) {
	matches, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", fmt.Errorf("list containers matching %s: %w", name, err)
	}

	wantName := "/" + name
	for _, c := range matches {
		if containerHasName(c.Names, wantName) {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("container not found: %s", name)
}

func containerHasName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// ensureImage pulls imageName if it isn't already present locally, logging
// the pull since it can take a while on a cold cache.
func (m *Manager) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	if m.log != nil {
		m.log.Info("pulling docker image", "image", imageName)
	}
	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageName, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", imageName, err)
	}
	return nil
}

// Close releases the underlying Docker client connection.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
