// Package sandbox manages Docker-backed execution environments, one
// container per conversation. Containers are created lazily on first use,
// reused across a conversation's tool calls, and removed when the task
// finishes or the idle TTL expires.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// containerNameDateFormat prefixes container names with the creation
	// date, so stale sandboxes are easy to spot in docker ps.
	containerNameDateFormat = "02-01-2006"

	defaultImage      = "python:3.11-slim"
	defaultDataDir    = "/app/data"
	defaultSessionTTL = 2 * time.Hour
	defaultTimeout    = 60 * time.Second
	maxTimeout        = 300 * time.Second

	keepaliveCmd = "tail -f /dev/null"

	// timeoutExitCode is what coreutils timeout(1) exits with when it had to
	// terminate the command.
	timeoutExitCode = 124
	// timeoutKillGrace is how long the wrapped process gets between TERM and
	// KILL.
	timeoutKillGrace = 5 * time.Second
)

// dockerAPI is the slice of the Docker client the manager uses. Satisfied by
// *client.Client; tests substitute a fake.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
}

var _ dockerAPI = (*client.Client)(nil)

// Config controls container creation.
type Config struct {
	// Image is the container image (default python:3.11-slim).
	Image string
	// HostDataDir is bind-mounted at /app/data inside the container.
	HostDataDir string
	// MemoryBytes caps container memory (0 = unlimited).
	MemoryBytes int64
	// NanoCPUs caps CPU (1e9 = one core, 0 = unlimited).
	NanoCPUs int64
	// SessionTTL evicts sandboxes idle longer than this (default 2h).
	SessionTTL time.Duration
	// ExposePorts optionally publishes ports, e.g. "8080:8080".
	ExposePorts []string
}

// Session is one live sandbox.
type Session struct {
	ConversationID string
	ContainerID    string
	ContainerName  string
	CreatedAt      time.Time
	LastUsed       time.Time
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined merges stdout and stderr for model consumption.
func (r ExecResult) Combined() string {
	switch {
	case r.Stdout != "" && r.Stderr != "":
		return r.Stdout + "\n" + r.Stderr
	case r.Stderr != "":
		return r.Stderr
	default:
		return r.Stdout
	}
}

// Manager owns the conversation → container mapping.
type Manager struct {
	cli    dockerAPI
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewFromEnv creates a Manager over a Docker client configured from the
// environment (DOCKER_HOST etc.).
func NewFromEnv(cfg Config, opts ...Option) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return New(cli, cfg, opts...), nil
}

// New creates a Manager over an existing Docker API client and starts the
// idle-session janitor.
func New(cli dockerAPI, cfg Config, opts ...Option) *Manager {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	m := &Manager{
		cli:      cli,
		cfg:      cfg,
		logger:   slog.New(slog.DiscardHandler),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.janitor()
	return m
}

// Acquire returns the conversation's sandbox, creating the container on
// first use. A leftover container with the expected name (e.g. after a
// crash) is adopted instead of recreated.
func (m *Manager) Acquire(ctx context.Context, conversationID string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[conversationID]; ok {
		s.LastUsed = time.Now()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	name := containerName(conversationID)
	start := time.Now()

	id, err := m.createContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("acquire sandbox for %s: %w", conversationID, err)
	}

	if err := m.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		// Already-running adopted containers are fine.
		if !errdefs.IsConflict(err) {
			return nil, fmt.Errorf("start sandbox %s: %w", name, err)
		}
	}

	s := &Session{
		ConversationID: conversationID,
		ContainerID:    id,
		ContainerName:  name,
		CreatedAt:      time.Now(),
		LastUsed:       time.Now(),
	}

	m.mu.Lock()
	// Lost a create race: keep the first one, remove ours outside the lock.
	if existing, ok := m.sessions[conversationID]; ok {
		m.mu.Unlock()
		if existing.ContainerID != id {
			_ = m.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		}
		return existing, nil
	}
	m.sessions[conversationID] = s
	m.mu.Unlock()

	m.logger.Debug("sandbox acquired", "conversation_id", conversationID, "container", name, "duration", time.Since(start))
	return s, nil
}

// createContainer creates the container, adopting an existing one with the
// same name.
func (m *Manager) createContainer(ctx context.Context, name string) (string, error) {
	config := &container.Config{
		Image:      m.cfg.Image,
		Cmd:        strings.Fields(keepaliveCmd),
		WorkingDir: defaultDataDir,
	}
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:   m.cfg.MemoryBytes,
			NanoCPUs: m.cfg.NanoCPUs,
		},
	}
	if m.cfg.HostDataDir != "" {
		host.Binds = []string{m.cfg.HostDataDir + ":" + defaultDataDir}
	}
	if len(m.cfg.ExposePorts) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(m.cfg.ExposePorts)
		if err != nil {
			return "", fmt.Errorf("parse port specs: %w", err)
		}
		config.ExposedPorts = exposed
		host.PortBindings = bindings
	}

	created, err := m.cli.ContainerCreate(ctx, config, host, nil, nil, name)
	if err == nil {
		return created.ID, nil
	}
	if !errdefs.IsConflict(err) {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	// Name taken: adopt the existing container.
	list, lerr := m.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if lerr != nil || len(list) == 0 {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}
	m.logger.Debug("adopted existing sandbox container", "container", name)
	return list[0].ID, nil
}

// RunCommand executes a shell command inside the conversation's sandbox.
// timeout is clamped to [1s, 300s]; zero means the default 60s.
func (m *Manager) RunCommand(ctx context.Context, conversationID, command string, timeout time.Duration) (ExecResult, error) {
	return m.exec(ctx, conversationID, []string{"bash", "-c", command}, timeout, nil)
}

// RunScript writes code into the sandbox's data dir and executes it with
// the interpreter inferred from the filename extension. onOutput, when
// non-nil, receives chunks of combined stdout/stderr as the script produces
// them.
func (m *Manager) RunScript(ctx context.Context, conversationID, code, filename string, timeout time.Duration, onOutput func(string)) (ExecResult, error) {
	if filename == "" {
		filename = "script.py"
	}
	s, err := m.Acquire(ctx, conversationID)
	if err != nil {
		return ExecResult{}, err
	}
	tarball, err := tarFile(filename, []byte(code))
	if err != nil {
		return ExecResult{}, fmt.Errorf("pack script: %w", err)
	}
	if err := m.cli.CopyToContainer(ctx, s.ContainerID, defaultDataDir, tarball, container.CopyToContainerOptions{}); err != nil {
		return ExecResult{}, fmt.Errorf("copy script to sandbox: %w", err)
	}
	return m.exec(ctx, conversationID, []string{interpreterFor(filename), filename}, timeout, onOutput)
}

// syncBuffer collects output while the demux goroutine is still writing, so
// a timed-out exec can read what arrived so far. Chunks are forwarded to fn
// when set.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
	fn func(string)
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	n, err := s.b.Write(p)
	s.mu.Unlock()
	if s.fn != nil && n > 0 {
		s.fn(string(p[:n]))
	}
	return n, err
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// exec runs cmd inside the sandbox, demuxing stdout/stderr and collecting
// the exit code. The command is wrapped in coreutils timeout(1), which
// delivers TERM then KILL inside the container when the limit passes; the
// context deadline is only a backstop. On timeout the partial output
// captured so far is returned alongside the error.
func (m *Manager) exec(ctx context.Context, conversationID string, cmd []string, timeout time.Duration, onOutput func(string)) (ExecResult, error) {
	s, err := m.Acquire(ctx, conversationID)
	if err != nil {
		return ExecResult{}, err
	}

	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	wrapped := append([]string{
		"timeout", "-k", strconv.Itoa(int(timeoutKillGrace.Seconds())), strconv.Itoa(int(timeout.Seconds())),
	}, cmd...)

	execCtx, cancel := context.WithTimeout(ctx, timeout+2*timeoutKillGrace)
	defer cancel()

	start := time.Now()
	exec, err := m.cli.ContainerExecCreate(execCtx, s.ContainerID, container.ExecOptions{
		Cmd:          wrapped,
		WorkingDir:   defaultDataDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := m.cli.ContainerExecAttach(execCtx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	stdout := &syncBuffer{fn: onOutput}
	stderr := &syncBuffer{fn: onOutput}
	copyDone := make(chan error, 1)
	go func() {
		_, err := demuxStreams(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	timedOut := false
	select {
	case <-execCtx.Done():
		timedOut = true
	case err := <-copyDone:
		if err != nil && execCtx.Err() != nil {
			timedOut = true
		} else if err != nil {
			return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, fmt.Errorf("read exec output: %w", err)
		}
	}

	res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	m.touch(conversationID)

	if !timedOut {
		inspect, err := m.cli.ContainerExecInspect(ctx, exec.ID)
		if err != nil {
			return res, fmt.Errorf("exec inspect: %w", err)
		}
		res.ExitCode = inspect.ExitCode
		// Exit 124 with the deadline spent means timeout(1) killed the
		// command; anything else exiting 124 did so on its own.
		timedOut = inspect.ExitCode == timeoutExitCode && time.Since(start) >= timeout
	}

	if timedOut {
		res.ExitCode = timeoutExitCode
		m.logger.Debug("sandbox exec timed out", "conversation_id", conversationID, "timeout", timeout)
		return res, fmt.Errorf("command timed out after %.0fs", timeout.Seconds())
	}

	m.logger.Debug("sandbox exec", "conversation_id", conversationID, "exit_code", res.ExitCode, "duration", time.Since(start))
	return res, nil
}

// Release stops and removes the conversation's sandbox. Unknown
// conversations are a no-op, so releasing twice is safe.
func (m *Manager) Release(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	if ok {
		delete(m.sessions, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.cli.ContainerRemove(ctx, s.ContainerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("release sandbox %s: %w", s.ContainerName, err)
	}
	m.logger.Debug("sandbox released", "conversation_id", conversationID, "container", s.ContainerName)
	return nil
}

// ReleaseAll removes every live sandbox. Shutdown path.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Release(ctx, id); err != nil {
			m.logger.Warn("sandbox release failed during shutdown", "conversation_id", id, "error", err)
		}
	}
}

// Close stops the janitor. It does not remove containers; call ReleaseAll
// first.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh
}

// touch bumps a session's LastUsed.
func (m *Manager) touch(conversationID string) {
	m.mu.Lock()
	if s, ok := m.sessions[conversationID]; ok {
		s.LastUsed = time.Now()
	}
	m.mu.Unlock()
}

// janitor evicts sandboxes idle past the TTL. Eviction candidates are
// collected under the lock, containers removed outside it.
func (m *Manager) janitor() {
	defer close(m.doneCh)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.SessionTTL)
			m.mu.Lock()
			var expired []string
			for id, s := range m.sessions {
				if s.LastUsed.Before(cutoff) {
					expired = append(expired, id)
				}
			}
			m.mu.Unlock()
			for _, id := range expired {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := m.Release(ctx, id); err != nil {
					m.logger.Warn("idle sandbox eviction failed", "conversation_id", id, "error", err)
				} else {
					m.logger.Debug("idle sandbox evicted", "conversation_id", id)
				}
				cancel()
			}
		}
	}
}

// containerName builds the {date}-{short id} container name.
func containerName(conversationID string) string {
	short := conversationID
	if len(short) > 8 {
		short = short[:8]
	}
	return time.Now().Format(containerNameDateFormat) + "-" + short
}

// interpreterFor maps a script extension to its interpreter.
func interpreterFor(filename string) string {
	switch {
	case strings.HasSuffix(filename, ".sh"):
		return "bash"
	case strings.HasSuffix(filename, ".js"):
		return "node"
	default:
		return "python"
	}
}
