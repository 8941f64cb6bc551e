// SPDX-License-Identifier: MIT

// Package supervisor owns the OS-level bridge subprocess for one session,
// from spawn to termination. Process output arrives on a dedicated watcher
// goroutine and the exit event on its own reaper goroutine, both surfaced
// through channels, so the race between readiness and the startup timeout is
// an explicit select.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ReadyMarker is the fixed marker the bridge prints, together with its
// connection id, when it is ready to accept traffic.
const ReadyMarker = "bridge-ready"

// State is the lifecycle state of a supervised bridge process.
type State string

const (
	StateSpawning      State = "spawning"
	StateAwaitingReady State = "awaiting_ready"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

var (
	// ErrStartupTimeout is returned by AwaitReady when the readiness line
	// does not appear within the startup timeout. The process is killed
	// before the error is returned.
	ErrStartupTimeout = errors.New("supervisor: bridge did not signal readiness before timeout")

	// ErrProcessExited is returned by AwaitReady when the process exits
	// before signaling readiness.
	ErrProcessExited = errors.New("supervisor: bridge exited before readiness")
)

// Spec describes one bridge session to spawn.
type Spec struct {
	ConnectionID string
	RobotHost    string
	RobotPort    int
	AppPort      int
	IdleTimeout  time.Duration

	// Audit context attached to every forwarded output line.
	OrgID   string
	RobotID string
}

// Supervisor spawns and tracks bridge subprocesses.
type Supervisor struct {
	BinaryPath     string
	StartupTimeout time.Duration
	Audit          zerolog.Logger
}

// New creates a supervisor for the given bridge binary.
func New(binaryPath string, startupTimeout time.Duration, audit zerolog.Logger) *Supervisor {
	if binaryPath == "" {
		binaryPath = "fleet-bridge"
	}
	if startupTimeout <= 0 {
		startupTimeout = 4 * time.Second
	}
	return &Supervisor{
		BinaryPath:     binaryPath,
		StartupTimeout: startupTimeout,
		Audit:          audit,
	}
}

// Spawn launches the bridge process and starts its watcher. The returned
// Process is in AwaitingReady; callers follow up with AwaitReady.
func (s *Supervisor) Spawn(spec Spec) (*Process, error) {
	args := []string{
		"--connection-id", spec.ConnectionID,
		"--robot-host", spec.RobotHost,
		"--robot-port", strconv.Itoa(spec.RobotPort),
		"--app-port", strconv.Itoa(spec.AppPort),
		"--idle-timeout", strconv.Itoa(int(spec.IdleTimeout.Seconds())),
	}
	cmd := exec.Command(s.BinaryPath, args...)

	// One pipe carries both stdout and stderr so the watcher sees output in
	// arrival order. EOF only ends the audit stream: descendants of the
	// bridge inherit the write end and can hold it open past the bridge's
	// own exit.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("supervisor: exec start failed: %w", err)
	}
	// Parent's copy of the write end must close or the reader never sees EOF.
	_ = pw.Close()

	p := &Process{
		cmd:     cmd,
		spec:    spec,
		state:   StateAwaitingReady,
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
		ring:    newRingBuffer(100),
		timeout: s.StartupTimeout,
	}

	audit := s.Audit.With().
		Str("connection_id", spec.ConnectionID).
		Str("robot_id", spec.RobotID).
		Str("org_id", spec.OrgID).
		Int("pid", cmd.Process.Pid).
		Logger()

	go p.watch(pr, audit)
	go p.reap(audit)
	return p, nil
}

// Process is one supervised bridge subprocess.
type Process struct {
	cmd     *exec.Cmd
	spec    Spec
	timeout time.Duration

	ready     chan struct{}
	exited    chan struct{}
	readyOnce sync.Once
	ring      *ringBuffer

	mu      sync.Mutex
	state   State
	exitErr error
}

// PID returns the OS process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Exited is closed when the OS delivers the process exit event.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// ExitErr returns the error from Wait once Exited is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Diagnostics returns the most recent output lines, oldest first.
func (p *Process) Diagnostics() []string {
	return p.ring.all()
}

// AwaitReady blocks until whichever resolves first: the readiness line, the
// startup timeout, process exit, or ctx cancellation. On timeout or
// cancellation the process is killed before the error returns, so a losing
// late readiness line has no effect.
func (p *Process) AwaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		p.setState(StateRunning)
		return nil
	case <-p.exited:
		p.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrProcessExited, p.ExitErr())
	case <-timer.C:
		p.setState(StateFailed)
		_ = p.Kill()
		return ErrStartupTimeout
	case <-ctx.Done():
		p.setState(StateFailed)
		_ = p.Kill()
		return ctx.Err()
	}
}

// Interrupt sends SIGINT so the bridge can shut down gracefully. It does not
// wait for exit; the exit event arrives on Exited whenever the OS delivers
// it.
func (p *Process) Interrupt() error {
	return p.cmd.Process.Signal(syscall.SIGINT)
}

// Kill forcibly terminates the process.
func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// InterruptPID sends SIGINT to an arbitrary recorded pid. Used when closing
// a session whose process is not a child of this broker instance (e.g. after
// a restart).
func InterruptPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGINT)
}

// PIDAlive reports whether a process with the given pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	// Terminal states stick; a late timeout after exit must not resurrect
	// the process record.
	if p.state != StateClosed && p.state != StateFailed {
		p.state = s
	}
	p.mu.Unlock()
}

func (p *Process) markReady() {
	p.readyOnce.Do(func() {
		p.mu.Lock()
		if p.state == StateAwaitingReady {
			p.state = StateReady
		}
		p.mu.Unlock()
		close(p.ready)
	})
}

// watch scans combined process output line by line, forwards every line to
// the audit sink, and flags readiness. It runs until EOF, which may be long
// after process exit when a descendant still holds the pipe's write end.
func (p *Process) watch(r *os.File, audit zerolog.Logger) {
	defer func() { _ = r.Close() }()

	marker := p.spec.ConnectionID
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.ring.add(line)
		audit.Info().Str("stream", "bridge").Msg(line)

		if strings.Contains(line, marker) && strings.Contains(line, ReadyMarker) {
			p.markReady()
		}
	}
}

// reap waits on the process and reports the exit event the moment the OS
// delivers it. It runs apart from the output scanner: waiting for EOF would
// tie the exit event to the lifetime of whatever inherited the pipe, and
// would leave the bridge a zombie in the meantime. Safe because Stdout and
// Stderr are plain files, so Wait has no copy goroutines to synchronize with.
func (p *Process) reap(audit zerolog.Logger) {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	if p.state != StateFailed {
		p.state = StateClosed
	}
	p.mu.Unlock()

	if err != nil {
		audit.Warn().Err(err).Msg("bridge process exited")
	} else {
		audit.Info().Msg("bridge process exited")
	}
	close(p.exited)
}

// ringBuffer keeps the last N output lines for diagnostics.
type ringBuffer struct {
	mu    sync.Mutex
	lines []string
	pos   int
	full  bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{lines: make([]string, size)}
}

func (r *ringBuffer) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ringBuffer) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.pos]...)
	}
	out := make([]string, len(r.lines))
	copy(out, r.lines[r.pos:])
	copy(out[len(r.lines)-r.pos:], r.lines[:r.pos])
	return out
}
