package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/google/uuid"

	"github.com/kaihochak/tallr/internal/client"
	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/internal/patternmatch"
	"github.com/kaihochak/tallr/internal/probe"
	"github.com/kaihochak/tallr/internal/statetracker"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// Options configures one wrapped agent session (spec §4.3 Startup).
type Options struct {
	Command      []string
	WorkingDir   string
	Agent        string
	Title        string
	ProjectName  string
	RepoPath     string
	PreferredIDE string
	Token        string

	Broker  *client.Client
	Table   *patternmatch.Table
	Tracker config.TrackerConfig
	Log     *logger.Logger
}

// session holds the state threaded through one hosted agent's lifetime.
// Run constructs and drives it; nothing here outlives one call to Run.
type session struct {
	handle          Handle
	cmd             *exec.Cmd
	tracker         *statetracker.Tracker
	launcher        *probe.Launcher
	log             *logger.Logger
	hasRealTerminal bool

	resizeDebounce time.Duration
	resizeMu       sync.Mutex
	resizeTimer    *time.Timer
}

type waitResult struct {
	exitCode int
	signaled bool
	err      error
}

// Run hosts one agent process end-to-end (spec §4.3): mints a taskId,
// registers it with the Broker, allocates a PTY at the terminal's current
// size, spawns the agent as its foreground process, pumps bytes between
// the user's TTY and the child without perturbing them, mirrors resizes
// and signals, tees output to the State Tracker, and tears down
// gracefully. It returns the wrapper's own process exit code (spec §6
// Exit codes), for main to pass to os.Exit.
func Run(ctx context.Context, opts Options) int {
	log := opts.Log
	taskID := fmt.Sprintf("%s-%d-%s", opts.Agent, time.Now().UnixMilli(), uuid.New().String())

	// Step 3: register with the Broker before anything else can fail, so a
	// spawn failure still shows up as a task the UI can see.
	if err := opts.Broker.Upsert(ctx, tallrapi.UpsertRequest{
		Project: tallrapi.ProjectUpsert{Name: opts.ProjectName, RepoPath: opts.RepoPath, PreferredIDE: opts.PreferredIDE},
		Task:    tallrapi.TaskUpsert{ID: taskID, Agent: opts.Agent, Title: opts.Title, State: tallrapi.StateIdle},
	}); err != nil {
		log.WithError(err).Warn("failed to register task with broker, continuing without it")
	}

	cmd, err := buildCommand(opts, taskID)
	if err != nil {
		log.WithError(err).Error("agent command not found")
		_ = opts.Broker.PushState(ctx, tallrapi.StateRequest{TaskID: taskID, State: tallrapi.StateError, Details: err.Error(), Source: tallrapi.DetectionHook})
		return 127
	}

	// Network Probe Launcher is best-effort (spec §4.2 Failure model): on
	// failure we fall back to pattern-only detection rather than aborting.
	launcher, err := probe.Start(cmd, log)
	if err != nil {
		log.WithError(err).Warn("network probe unavailable, falling back to pattern-only detection")
		launcher = nil
	}

	tracker := statetracker.New(taskID, opts.Agent, opts.Table, opts.Broker, opts.Tracker, log, launcher != nil)
	defer tracker.Stop()

	if launcher != nil {
		go func() {
			for ev := range launcher.Events() {
				tracker.FeedNetworkEvent(ev)
				if ev.Type == probe.EventPermissionRequest {
					go awaitPermissionDecision(ctx, opts.Broker, launcher, taskID, ev.ID, log)
				}
			}
		}()
	}

	stdinFd := int(os.Stdin.Fd())
	var oldState *term.State
	if term.IsTerminal(stdinFd) {
		oldState, err = term.MakeRaw(stdinFd)
		if err != nil {
			log.WithError(err).Warn("failed to set raw mode, continuing without it")
		}
	}
	restoreTerminal := func() {
		if oldState != nil {
			_ = term.Restore(stdinFd, oldState)
		}
	}
	defer restoreTerminal()

	cols, rows := currentSize()
	handle, err := startWithSize(cmd, cols, rows)
	if err != nil {
		if launcher != nil {
			launcher.Stop()
		}
		log.WithError(err).Error("failed to start pty")
		exitCode := 1
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			exitCode = 127
		}
		pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracker.PushFinal(pushCtx, tallrapi.StateError, err.Error())
		return exitCode
	}
	if launcher != nil {
		launcher.AfterStart()
	}

	s := &session{
		handle:          handle,
		cmd:             cmd,
		tracker:         tracker,
		launcher:        launcher,
		log:             log,
		hasRealTerminal: term.IsTerminal(int(os.Stdout.Fd())),
		resizeDebounce:  opts.Tracker.ResizeDebounce,
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		code, signaled, werr := waitChild(cmd)
		waitCh <- waitResult{exitCode: code, signaled: signaled, err: werr}
	}()

	stopResize := watchResize(s.onResize)
	defer stopResize()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go s.pumpInput()
	go s.pumpOutput()

	select {
	case sig := <-sigCh:
		return s.teardownOnSignal(sig, waitCh, restoreTerminal)
	case res := <-waitCh:
		restoreTerminal()
		return s.teardownOnExit(res)
	}
}

// buildCommand resolves the agent binary and prepares its environment
// (spec §4.3 step 5, §6 "Environment exported to the child agent").
func buildCommand(opts Options, taskID string) (*exec.Cmd, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("no command given")
	}
	path, err := exec.LookPath(opts.Command[0])
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(path, opts.Command[1:]...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	cmd.Env = append(os.Environ(),
		"TALLR_TASK_ID="+taskID,
		"TALLR_TOKEN="+opts.Token,
	)
	return cmd, nil
}

// currentSize reads the user TTY's dimensions, falling back to a
// reasonable default when stdin isn't a terminal (e.g. under a test
// harness or when output is piped).
func currentSize() (cols, rows int) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		if c, r, err := term.GetSize(fd); err == nil {
			return c, r
		}
	}
	return 80, 24
}

// onResize debounces SIGWINCH bursts to 100ms (spec §4.3 Resize) before
// re-reading the TTY size and applying it to the PTY.
func (s *session) onResize() {
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(s.resizeDebounce, func() {
		cols, rows := currentSize()
		if err := s.handle.Resize(uint16(cols), uint16(rows)); err != nil {
			s.log.WithError(err).Debug("pty resize failed")
		}
	})
}

// pumpInput is the Terminal→PTY leg (spec §4.3): raw bytes from the user's
// TTY, written to the PTY master unchanged.
func (s *session) pumpInput() {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := s.handle.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpOutput is the PTY→Terminal leg: bytes are written to the real TTY
// unchanged and simultaneously teed to the State Tracker. DSR/DA1 queries
// are only auto-answered when stdout isn't an actual terminal (piped or
// redirected), since a real terminal answers those itself.
func (s *session) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !s.hasRealTerminal {
				autoRespond(s.handle, chunk)
			}
			_, _ = os.Stdout.Write(chunk)
			s.tracker.FeedPTYOutput(chunk)
		}
		if err != nil {
			// A Unix PTY master reports EIO once the child has exited;
			// that is the end of the session, not a mid-session error.
			if err != io.EOF && !errors.Is(err, syscall.EIO) {
				s.tracker.FeedHook(tallrapi.StateError, err.Error())
			}
			return
		}
	}
}

// teardownOnSignal implements spec §4.3 Signals: forward the same signal
// to the agent, wait briefly, restore the terminal, post CANCELLED, and
// exit with the mapped code.
func (s *session) teardownOnSignal(sig os.Signal, waitCh <-chan waitResult, restore func()) int {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = forwardSignal(s.cmd.Process, sig)
	}

	select {
	case <-waitCh:
	case <-time.After(3 * time.Second):
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-waitCh
	}

	restore()
	if s.launcher != nil {
		s.launcher.Stop()
	}

	pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracker.PushFinal(pushCtx, tallrapi.StateCancelled, ""); err != nil {
		s.log.WithError(err).Warn("failed to push final state")
	}

	if sig == syscall.SIGTERM {
		return 143
	}
	return 130
}

// teardownOnExit implements spec §4.3's exit-state mapping: DONE on exit
// code 0, IDLE on a non-zero exit that wasn't already flagged ERROR by a
// mid-session PTY error, ERROR otherwise.
func (s *session) teardownOnExit(res waitResult) int {
	if s.launcher != nil {
		s.launcher.Stop()
	}

	state := tallrapi.StateDone
	if res.exitCode != 0 {
		if s.tracker.Current() == tallrapi.StateError {
			state = tallrapi.StateError
		} else {
			state = tallrapi.StateIdle
		}
	}

	pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracker.PushFinal(pushCtx, state, ""); err != nil {
		s.log.WithError(err).Warn("failed to push final state")
	}

	return res.exitCode
}

// awaitPermissionDecision long-polls the Broker for the UI's decision on one
// outstanding permission-request and, once it arrives, writes it back to
// the child over the control pipe (spec §4.2 Control, §8 scenario 3
// "Approval round-trip"). Giving up — ctx done, because the session ended
// first — leaves the child's tool call blocked, matching spec §4.3's
// "Cancellation of in-flight approval" semantics rather than guessing.
func awaitPermissionDecision(ctx context.Context, broker *client.Client, launcher *probe.Launcher, taskID string, id int64, log *logger.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		pollCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
		decision, ready, err := broker.PollPermission(pollCtx, taskID, id)
		cancel()
		if err != nil {
			log.WithError(err).Debug("permission poll failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ready {
			continue // the Broker's long poll timed out server-side; re-issue immediately
		}
		if err := launcher.Resolve(id, probe.Decision(decision)); err != nil {
			log.WithError(err).Warn("failed to write permission-response to child")
		}
		return
	}
}
