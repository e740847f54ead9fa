// Package supervisor launches a tool-provider subprocess, watches its
// stdout for the endpoint announcement, and owns the process lifecycle.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
)

// announceRe matches an endpoint announcement such as
// ws://localhost:9999 or ws://127.0.0.1:40123/rpc.
var announceRe = regexp.MustCompile(`wss?://(\[[0-9A-Fa-f:.]+\]|[A-Za-z0-9.\-]+):[0-9]{1,5}(/[^\s"'<>]*)?`)

const (
	// shutdownGrace is how long Shutdown waits after SIGTERM before killing.
	shutdownGrace = 5 * time.Second

	// outputDrainDelay is how long output is still collected after the
	// child exits while a descendant holds its stdout or stderr open.
	outputDrainDelay = 500 * time.Millisecond
)

// ServerParameters describes how to launch a tool provider.
type ServerParameters struct {
	// Command is the executable to run.
	Command string

	// Args are passed to the executable in order.
	Args []string

	// Env entries override the inherited process environment.
	Env map[string]string
}

// ProcessHandle describes a spawned provider process. It moves from
// running to exited exactly once.
type ProcessHandle struct {
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	signal   syscall.Signal
}

// PID returns the operating system process identifier.
func (h *ProcessHandle) PID() int {
	return h.pid
}

// Running reports whether the process has not yet exited.
func (h *ProcessHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process has exited. Output written before the
// exit has been scanned by then.
func (h *ProcessHandle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the exit code and terminating signal. Both are
// meaningful only after Done is closed; ExitCode is -1 for a signal.
func (h *ProcessHandle) ExitStatus() (code int, sig syscall.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.signal
}

// Supervisor owns a single provider subprocess.
type Supervisor struct {
	params ServerParameters
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	handle    *ProcessHandle
	endpoint  string
	announced chan struct{}
	termOnce  sync.Once
}

// New creates a Supervisor for the given parameters. Nothing is
// launched until Spawn.
func New(params ServerParameters, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		params:    params,
		logger:    logger.With("component", "supervisor", "command", params.Command),
		announced: make(chan struct{}),
	}
}

// Spawn launches the provider. It never retries; a failure to start is
// reported as *SpawnError. Spawn may be called only once.
func (s *Supervisor) Spawn(_ context.Context) (*ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil {
		return nil, &SpawnError{Command: s.params.Command, Err: errors.New("already spawned")}
	}
	if s.params.Command == "" {
		return nil, &SpawnError{Err: errors.New("no command configured")}
	}

	s.logger.Info("starting tool provider", "args", s.params.Args)

	// The process lifetime is independent of the spawning context; it
	// ends through Terminate or Shutdown. The child leads its own process
	// group so that signals also reach anything it forks.
	cmd := exec.Command(s.params.Command, s.params.Args...)
	cmd.Env = MergeEnv(os.Environ(), s.params.Env)
	setProcessGroup(cmd)

	// Output goes through in-process pipes so Wait returns once the child
	// exits, even when a descendant keeps the child's stdout open.
	// WaitDelay bounds how long Wait keeps copying after the exit.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = outputDrainDelay

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stderrW.Close()
		return nil, &SpawnError{Command: s.params.Command, Err: err}
	}

	h := &ProcessHandle{
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	s.cmd = cmd
	s.handle = h
	s.logger = s.logger.With("pid", h.pid)

	var pumps conc.WaitGroup
	pumps.Go(func() { s.scanAnnouncements(stdoutR) })
	pumps.Go(func() { s.drainStderr(stderrR) })

	go func() {
		waitErr := cmd.Wait()
		// Everything the child wrote before exiting has been handed to
		// the pumps; closing the writers lets them finish.
		stdoutW.Close()
		stderrW.Close()
		pumps.Wait()
		s.recordExit(h, cmd.ProcessState, waitErr)
	}()

	s.logger.Info("tool provider started")
	return h, nil
}

// Endpoint waits for the provider to announce where to connect. It
// fails with *ProcessExitedError if the process exits first, and with
// the context error if ctx is done first.
func (s *Supervisor) Endpoint(ctx context.Context) (string, error) {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return "", errors.New("provider not spawned")
	}

	select {
	case <-s.announced:
		return s.announcedEndpoint(), nil
	case <-h.done:
		// The stdout pump finishes before done closes, so an
		// announcement printed just before exiting is already recorded.
		if ep := s.announcedEndpoint(); ep != "" {
			return ep, nil
		}
		code, sig := h.ExitStatus()
		return "", &ProcessExitedError{Command: s.params.Command, ExitCode: code, Signal: sig}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Terminate sends SIGTERM to the provider's process group. Descendants
// left behind by a provider that already exited are signalled too. It
// does not wait and is safe to call repeatedly.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}
	s.termOnce.Do(func() {
		s.logger.Info("terminating tool provider")
		if err := signalGroup(cmd.Process, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("signal tool provider", "error", err)
		}
	})
}

// Shutdown terminates the provider and waits for it to exit, killing
// it if it has not exited within the grace period or before ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cmd, h := s.cmd, s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	s.Terminate()

	timer := time.NewTimer(shutdownGrace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
		s.logger.Warn("tool provider did not exit gracefully, killing")
	case <-ctx.Done():
		s.logger.Warn("shutdown cancelled, killing tool provider")
	}

	if err := signalGroup(cmd.Process, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill tool provider: %w", err)
	}
	// Wait returns within outputDrainDelay of the exit, so this is bounded.
	<-h.done
	return nil
}

func (s *Supervisor) announcedEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// scanAnnouncements reads stdout line by line. The first line holding
// an endpoint is the announcement; everything else is logged only.
func (s *Supervisor) scanAnnouncements(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		if !found {
			if ep := announceRe.FindString(line); ep != "" {
				found = true
				s.mu.Lock()
				s.endpoint = ep
				s.mu.Unlock()
				close(s.announced)
				s.logger.Info("tool provider announced endpoint", "endpoint", ep)
				continue
			}
		}
		s.logger.Debug("tool provider stdout", "line", line)
	}
	// Keep draining if a line exceeded the scanner buffer so the child
	// never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// drainStderr forwards stderr lines to the logger at debug level.
func (s *Supervisor) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		s.logger.Debug("tool provider stderr", "line", scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

// recordExit stores the exit status and marks the handle exited.
func (s *Supervisor) recordExit(h *ProcessHandle, state *os.ProcessState, waitErr error) {
	code, sig := -1, syscall.Signal(0)
	if state != nil {
		code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig = ws.Signal()
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.signal = sig
	h.mu.Unlock()
	close(h.done)

	attrs := []any{"exit_code", code}
	if sig != 0 {
		attrs = append(attrs, "signal", sig.String())
	}
	if waitErr != nil && state == nil {
		attrs = append(attrs, "error", waitErr)
	}
	s.logger.Info("tool provider exited", attrs...)
}

// MergeEnv overlays overrides on a KEY=VALUE environment list. Later
// base entries win over earlier duplicates and overrides win over base.
// The result is sorted by key.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
