package ptyhost

import (
	"context"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/internal/patternmatch"
	"github.com/kaihochak/tallr/internal/statetracker"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

type fakeBroker struct {
	mu     sync.Mutex
	states []tallrapi.StateRequest
}

func (f *fakeBroker) PushState(_ context.Context, req tallrapi.StateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, req)
	return nil
}

func (f *fakeBroker) PushDetails(_ context.Context, _ tallrapi.DetailsRequest) error { return nil }

func (f *fakeBroker) last() (tallrapi.StateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return tallrapi.StateRequest{}, false
	}
	return f.states[len(f.states)-1], true
}

func newTestSession(t *testing.T) (*session, *fakeBroker) {
	t.Helper()
	broker := &fakeBroker{}
	tracker := statetracker.New("task-1", "claude", patternmatch.NewTable(), broker, config.TrackerConfig{}, logger.Default(), false)
	t.Cleanup(tracker.Stop)
	return &session{tracker: tracker, log: logger.Default()}, broker
}

func TestSession_TeardownOnExit_ZeroCodeIsDone(t *testing.T) {
	s, broker := newTestSession(t)
	code := s.teardownOnExit(waitResult{exitCode: 0})
	assert.Equal(t, 0, code)
	req, ok := broker.last()
	require.True(t, ok)
	assert.Equal(t, tallrapi.StateDone, req.State)
}

func TestSession_TeardownOnExit_NonZeroCodeIsIdleByDefault(t *testing.T) {
	s, broker := newTestSession(t)
	code := s.teardownOnExit(waitResult{exitCode: 5})
	assert.Equal(t, 5, code)
	req, ok := broker.last()
	require.True(t, ok)
	assert.Equal(t, tallrapi.StateIdle, req.State, "a non-zero exit with no prior PTY error stays IDLE, not ERROR")
}

func TestSession_TeardownOnExit_PreservesPriorError(t *testing.T) {
	s, broker := newTestSession(t)
	s.tracker.FeedHook(tallrapi.StateError, "pty read failed")
	code := s.teardownOnExit(waitResult{exitCode: 1})
	assert.Equal(t, 1, code)
	req, ok := broker.last()
	require.True(t, ok)
	assert.Equal(t, tallrapi.StateError, req.State)
}

func TestSession_TeardownOnSignal_MapsSignalToExitCode(t *testing.T) {
	s, broker := newTestSession(t)
	waitCh := make(chan waitResult, 1)
	waitCh <- waitResult{exitCode: 0}
	code := s.teardownOnSignal(syscall.SIGINT, waitCh, func() {})
	assert.Equal(t, 130, code)
	req, ok := broker.last()
	require.True(t, ok)
	assert.Equal(t, tallrapi.StateCancelled, req.State)

	s2, broker2 := newTestSession(t)
	waitCh2 := make(chan waitResult, 1)
	waitCh2 <- waitResult{exitCode: 0}
	code2 := s2.teardownOnSignal(syscall.SIGTERM, waitCh2, func() {})
	assert.Equal(t, 143, code2)
	req2, ok := broker2.last()
	require.True(t, ok)
	assert.Equal(t, tallrapi.StateCancelled, req2.State)
}

func TestBuildCommand_UnknownCommandReturnsError(t *testing.T) {
	_, err := buildCommand(Options{Command: []string{"tallr-definitely-not-a-real-binary"}}, "task-1")
	assert.Error(t, err)
}

func TestBuildCommand_InjectsTaskEnv(t *testing.T) {
	cmd, err := buildCommand(Options{Command: []string{"echo", "hi"}, Token: "tok"}, "task-123")
	require.NoError(t, err)
	assert.Contains(t, cmd.Env, "TALLR_TASK_ID=task-123")
	assert.Contains(t, cmd.Env, "TALLR_TOKEN=tok")
}

type fakeHandle struct {
	mu      sync.Mutex
	resizes []uint16
}

func (f *fakeHandle) Read(_ []byte) (int, error)  { return 0, io.EOF }
func (f *fakeHandle) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeHandle) Close() error                { return nil }

func (f *fakeHandle) Resize(cols, _ uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, cols)
	return nil
}

func (f *fakeHandle) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resizes)
}

func TestSession_OnResize_DebouncesBurst(t *testing.T) {
	h := &fakeHandle{}
	s := &session{handle: h, log: logger.Default(), resizeDebounce: 20 * time.Millisecond}

	for i := 0; i < 5; i++ {
		s.onResize()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, h.count(), "a resize burst within the debounce window must coalesce to one PTY resize")
}
