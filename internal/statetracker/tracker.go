// Package statetracker implements the State Tracker (spec §4.4): it fuses
// Pattern Matcher and Network Probe signals into a minimal sequence of
// authoritative state transitions for one task, applies the cooldown and
// IDLE-persistence rules, and pushes each accepted transition to the
// Broker. The transition decision itself (decide.go) is pure; this file is
// the thin I/O shell described in spec §9: timers and HTTP pushes around
// it.
package statetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kaihochak/tallr/internal/common/config"
	"github.com/kaihochak/tallr/internal/common/logger"
	"github.com/kaihochak/tallr/internal/patternmatch"
	"github.com/kaihochak/tallr/internal/probe"
	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// BrokerClient is the subset of client.Client the tracker needs. Declared
// here, not imported from internal/client, so tests can substitute a fake
// without round-tripping HTTP.
type BrokerClient interface {
	PushState(ctx context.Context, req tallrapi.StateRequest) error
	PushDetails(ctx context.Context, req tallrapi.DetailsRequest) error
}

// Transition is one accepted state change, kept in a bounded history per
// spec §4.4 ("bounded history, last ~10 transitions").
type Transition struct {
	State      tallrapi.TaskState
	Source     tallrapi.DetectionMethod
	Confidence tallrapi.Confidence
	At         time.Time
}

// Tracker holds the per-session state described in spec §4.4. A Tracker is
// single-threaded w.r.t. its own session (spec §5), but Feed* calls arrive
// from the session's PTY pump and launcher-event goroutines and timers fire
// on their own goroutines, so internal state is mutex-guarded.
type Tracker struct {
	mu sync.Mutex

	taskID string
	agent  string
	table  *patternmatch.Table
	broker BrokerClient
	cfg    config.TrackerConfig
	log    *logger.Logger

	networkActive bool // true once the launcher has succeeded for this session

	current            tallrapi.TaskState
	lastChangeAt       time.Time
	lastWorkingConfirm time.Time
	lastPendingConfirm time.Time
	history            []Transition

	rawCurrentLine strings.Builder
	buffer         string // rolling cleaned buffer, newline-joined, capped at cfg.BufferCap

	activeFetches map[int64]struct{}
	settleTimer   *time.Timer
	detailsTimer  *time.Timer

	pushCh chan tallrapi.StateRequest
	done   chan struct{}
}

// New builds a Tracker for one task/session. networkActive reports whether
// the Network Probe Launcher started successfully for this child (spec
// §4.4: pattern source is "authoritative when network source is absent").
func New(taskID, agent string, table *patternmatch.Table, broker BrokerClient, cfg config.TrackerConfig, log *logger.Logger, networkActive bool) *Tracker {
	now := time.Now()
	t := &Tracker{
		taskID:        taskID,
		agent:         agent,
		table:         table,
		broker:        broker,
		cfg:           cfg,
		log:           log,
		networkActive: networkActive,
		current:       tallrapi.StateIdle,
		lastChangeAt:  now,
		activeFetches: make(map[int64]struct{}),
		pushCh:        make(chan tallrapi.StateRequest, 32),
		done:          make(chan struct{}),
	}
	go t.pushLoop()
	return t
}

// Current returns the tracker's current state.
func (t *Tracker) Current() tallrapi.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// History returns a copy of the bounded transition history.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transition, len(t.history))
	copy(out, t.history)
	return out
}

// FeedPTYOutput processes one chunk of raw bytes read from the PTY master:
// carriage-return line-reset semantics, line cleaning, and a pattern-match
// pass over the updated tail. Must never block on the Broker (spec §5):
// the actual HTTP push is handed to pushLoop via a buffered channel.
func (t *Tracker) FeedPTYOutput(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		switch b {
		case '\n':
			line := patternmatch.Clean(t.rawCurrentLine.String())
			t.appendLine(line)
			t.rawCurrentLine.Reset()
		case '\r':
			if i+1 < len(chunk) && chunk[i+1] == '\n' {
				continue // part of CRLF; the following \n finalizes the line
			}
			t.rawCurrentLine.Reset() // bare CR: in-place redraw, discard partial line
		default:
			t.rawCurrentLine.WriteByte(b)
		}
	}

	t.runPatternMatch()
	t.scheduleDetailsPush()
}

// FeedNetworkEvent applies one telemetry frame from the Network Probe
// Launcher (spec §4.4 Network source rules).
func (t *Tracker) FeedNetworkEvent(ev probe.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	switch ev.Type {
	case probe.EventFetchStart:
		t.activeFetches[ev.ID] = struct{}{}
		t.cancelSettleTimer()
		t.apply(now, tallrapi.DetectionNetwork, tallrapi.StateWorking, tallrapi.ConfidenceHigh, "")
	case probe.EventFetchEnd:
		delete(t.activeFetches, ev.ID)
		if len(t.activeFetches) == 0 {
			t.scheduleSettle()
		}
	case probe.EventPermissionPrompt, probe.EventPermissionRequest:
		t.apply(now, tallrapi.DetectionNetwork, tallrapi.StatePending, tallrapi.ConfidenceHigh, formatTool(ev))
	case probe.EventClaudeMessage:
		// Accepted telemetry with no transition rule of its own (spec §4.4
		// only assigns effects to fetch-start/fetch-end/permission-prompt/
		// permission-request); role/text ride along for a future details
		// consumer rather than driving a state change here.
	}
}

// FeedHook applies a wrapper-originated state signal with hook-source
// semantics (spec §4.4 Hook source): confidence=high, bypasses cooldowns.
// Hook POSTs that external callers send to the Broker do not pass through
// it.
func (t *Tracker) FeedHook(state tallrapi.TaskState, details string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state == t.current {
		return
	}
	t.commit(time.Now(), tallrapi.DetectionHook, state, tallrapi.ConfidenceHigh, details)
}

// PushFinal sends a synchronous, unqueued final state POST (spec §5
// Cancellation: "flush a final state POST"). Used at teardown, where the
// wrapper waits briefly for this one call rather than enqueuing it.
func (t *Tracker) PushFinal(ctx context.Context, state tallrapi.TaskState, details string) error {
	t.mu.Lock()
	t.current = state
	t.lastChangeAt = time.Now()
	t.mu.Unlock()
	return t.broker.PushState(ctx, tallrapi.StateRequest{TaskID: t.taskID, State: state, Details: details, Source: tallrapi.DetectionHook})
}

// Stop cancels pending timers and drains the push queue. Safe to call once.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.cancelSettleTimer()
	if t.detailsTimer != nil {
		t.detailsTimer.Stop()
	}
	t.mu.Unlock()
	close(t.pushCh)
	<-t.done
}

// runPatternMatch runs the classifier over the current tail and, when the
// network source is not active for this session, applies the result.
// Called with t.mu held.
func (t *Tracker) runPatternMatch() {
	current := patternmatch.Clean(t.rawCurrentLine.String())
	recent := t.recentLines()
	result := patternmatch.Classify(t.agent, t.table, current, recent)
	if result == nil {
		return
	}
	if t.networkActive {
		return // network is authoritative while active; pattern stays informational
	}
	details := current
	if details == "" && len(recent) > 0 {
		details = recent[len(recent)-1]
	}
	t.apply(time.Now(), tallrapi.DetectionPattern, result.State, result.Confidence, details)
}

// apply runs the pure decision function and commits if accepted. Called
// with t.mu held.
func (t *Tracker) apply(now time.Time, source tallrapi.DetectionMethod, candidate tallrapi.TaskState, confidence tallrapi.Confidence, details string) {
	if candidate == t.current {
		t.recordConfirm(candidate, now)
		return
	}
	if !decideTransition(now, t.current, t.lastChangeAt, t.lastWorkingConfirm, t.lastPendingConfirm, source, candidate, confidence, t.cfg) {
		return
	}
	t.commit(now, source, candidate, confidence, details)
}

func (t *Tracker) commit(now time.Time, source tallrapi.DetectionMethod, state tallrapi.TaskState, confidence tallrapi.Confidence, details string) {
	t.current = state
	t.lastChangeAt = now
	t.recordConfirm(state, now)

	t.history = append(t.history, Transition{State: state, Source: source, Confidence: confidence, At: now})
	if len(t.history) > 10 {
		t.history = t.history[len(t.history)-10:]
	}

	req := tallrapi.StateRequest{TaskID: t.taskID, State: state, Details: details, Source: source}
	select {
	case t.pushCh <- req:
	default:
		t.log.WithTaskID(t.taskID).Warn("state push queue full, dropping transition")
	}
}

func (t *Tracker) recordConfirm(state tallrapi.TaskState, now time.Time) {
	switch state {
	case tallrapi.StateWorking:
		t.lastWorkingConfirm = now
	case tallrapi.StatePending:
		t.lastPendingConfirm = now
	}
}

// pushLoop serializes outbound state POSTs so the causal order observed by
// the tracker is preserved on the wire (spec §5: "the sequence of
// state-change POSTs emitted for a single task preserves causal order").
func (t *Tracker) pushLoop() {
	defer close(t.done)
	for req := range t.pushCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.broker.PushState(ctx, req); err != nil {
			t.log.WithTaskID(t.taskID).WithError(err).Debug("state push failed, dropping update")
		}
		cancel()
	}
}

// scheduleDetailsPush (re)arms the 500ms debounced details push (spec
// §4.4: "decoupled from state transitions"). Called with t.mu held.
func (t *Tracker) scheduleDetailsPush() {
	if t.detailsTimer != nil {
		t.detailsTimer.Stop()
	}
	t.detailsTimer = time.AfterFunc(t.cfg.DetailsPushDebounce, func() {
		t.mu.Lock()
		details := strings.Join(t.recentLines(), "\n")
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.broker.PushDetails(ctx, tallrapi.DetailsRequest{TaskID: t.taskID, Details: details}); err != nil {
			t.log.WithTaskID(t.taskID).WithError(err).Debug("details push failed, dropping update")
		}
	})
}

// scheduleSettle arms the network-source IDLE settle callback (spec §4.4:
// "the delay absorbs rapid successor requests"). Called with t.mu held.
func (t *Tracker) scheduleSettle() {
	t.settleTimer = time.AfterFunc(t.cfg.NetworkIdleSettle, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if len(t.activeFetches) == 0 {
			t.apply(time.Now(), tallrapi.DetectionNetwork, tallrapi.StateIdle, tallrapi.ConfidenceHigh, "")
		}
	})
}

func (t *Tracker) cancelSettleTimer() {
	if t.settleTimer != nil {
		t.settleTimer.Stop()
		t.settleTimer = nil
	}
}

// appendLine folds one cleaned, completed line into the rolling buffer,
// trimming whole lines from the front once the cap is exceeded (spec
// §4.4: "cap ~50 kB, oldest-trimmed"). Called with t.mu held.
func (t *Tracker) appendLine(line string) {
	if line == "" {
		return
	}
	t.buffer += line + "\n"
	for len(t.buffer) > t.cfg.BufferCap {
		idx := strings.IndexByte(t.buffer, '\n')
		if idx < 0 {
			t.buffer = t.buffer[len(t.buffer)-t.cfg.BufferCap:]
			break
		}
		t.buffer = t.buffer[idx+1:]
	}
}

// recentLines returns the completed cleaned lines, oldest first. Called
// with t.mu held.
func (t *Tracker) recentLines() []string {
	trimmed := strings.TrimRight(t.buffer, "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// formatTool renders a permission-request's tool name/args, truncated, for
// the details payload (spec §4.4: "Store tool name/args (truncated)").
func formatTool(ev probe.Event) string {
	if ev.Tool == nil {
		return ev.Text
	}
	args, err := json.Marshal(ev.Tool.Args)
	if err != nil {
		args = []byte("{}")
	}
	s := fmt.Sprintf("%s(%s)", ev.Tool.Name, string(args))
	const max = 200
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
