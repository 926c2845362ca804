package probe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kaihochak/tallr/internal/common/logger"
)

// Launcher wires a Proxy and a pair of control/telemetry pipes into a child
// command before it is spawned (spec §4.2/§9). It is the Go reinterpretation
// of "swap the global fetch primitive before the agent binary loads":
// instead of patching the agent's runtime, the launcher routes the agent's
// outbound HTTPS through a loopback instrumented proxy via
// HTTPS_PROXY/HTTP_PROXY for connection-level fetch-start/fetch-end
// telemetry, and offers a best-effort, inherited-fd telemetry/control
// channel pair for agents built to cooperate with it (most won't;
// network-sourced detection via the proxy works regardless of cooperation).
type Launcher struct {
	proxy *Proxy

	controlWrite     *os.File // parent's end; we write permission-response frames here
	childControlRead *os.File // child's end, inherited; closed here once exec'd

	telemetryRead       *os.File // parent's end; we read child-emitted frames here
	childTelemetryWrite *os.File // child's end, inherited; closed here once exec'd

	log   *logger.Logger
	group *errgroup.Group
	done  chan struct{}

	events    chan Event
	controlMu sync.Mutex
	stopOnce  sync.Once
}

// Start launches the proxy and prepares env/files for cmd. It MUST be
// called before cmd.Start(); on success the caller is responsible for
// calling AfterStart() once cmd.Start() returns, and Stop() when the
// session ends. If Start fails, the caller falls back to a plain spawn with
// pattern-only detection (spec §4.2 Failure model).
func Start(cmd *exec.Cmd, log *logger.Logger) (*Launcher, error) {
	proxy, err := NewProxy(log)
	if err != nil {
		return nil, fmt.Errorf("start proxy: %w", err)
	}

	// Control direction: parent writes decisions, child (if cooperating)
	// reads them at a well-known inherited fd.
	childControlRead, parentControlWrite, err := os.Pipe()
	if err != nil {
		_ = proxy.Close()
		return nil, fmt.Errorf("create control pipe: %w", err)
	}

	// Telemetry direction: child writes line-delimited JSON frames, parent
	// reads them at a second well-known inherited fd (spec §4.2: "Telemetry
	// (child→parent, line-delimited JSON): fetch-start, fetch-end, optional
	// permission-request, permission-prompt, claude-message").
	parentTelemetryRead, childTelemetryWrite, err := os.Pipe()
	if err != nil {
		_ = proxy.Close()
		_ = childControlRead.Close()
		_ = parentControlWrite.Close()
		return nil, fmt.Errorf("create telemetry pipe: %w", err)
	}

	cmd.Env = append(cmd.Env,
		"HTTPS_PROXY=http://"+proxy.Addr(),
		"HTTP_PROXY=http://"+proxy.Addr(),
		"TALLR_CONTROL_FD=3",
		"TALLR_TELEMETRY_FD=4",
	)
	cmd.ExtraFiles = append(cmd.ExtraFiles, childControlRead, childTelemetryWrite)

	l := &Launcher{
		proxy:               proxy,
		controlWrite:        parentControlWrite,
		childControlRead:    childControlRead,
		telemetryRead:       parentTelemetryRead,
		childTelemetryWrite: childTelemetryWrite,
		log:                 log,
		group:               &errgroup.Group{},
		done:                make(chan struct{}),
		events:              make(chan Event, 64),
	}
	l.group.Go(func() error {
		proxy.Serve()
		return nil
	})
	l.group.Go(func() error {
		l.forwardProxyEvents()
		return nil
	})
	l.group.Go(func() error {
		l.readTelemetry()
		return nil
	})
	return l, nil
}

// AfterStart closes the parent process's copies of the file descriptors
// inherited by the child. It must be called once cmd.Start() has returned
// successfully, never before — until then cmd.Start() still needs these
// *os.File values live to dup them into the child. Skipping this leaves the
// parent holding its own write-end of the telemetry pipe open forever,
// which means readTelemetry would never see EOF after the child exits.
func (l *Launcher) AfterStart() {
	_ = l.childControlRead.Close()
	_ = l.childTelemetryWrite.Close()
}

// Events returns the telemetry event channel for the State Tracker to
// consume: connection-level fetch-start/fetch-end frames from the proxy,
// fan-in with whatever the child writes to its inherited telemetry fd.
func (l *Launcher) Events() <-chan Event {
	return l.events
}

// Resolve writes a permission-response control frame (spec §4.2). At most
// one in flight per correlation id is the caller's responsibility; absence
// of a response keeps the child's tool call blocked by design (spec §4.3
// "Cancellation of in-flight approval").
func (l *Launcher) Resolve(id int64, decision Decision) error {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()
	enc := json.NewEncoder(l.controlWrite)
	return enc.Encode(ControlFrame{Type: "permission-response", ID: id, Decision: decision})
}

// Stop tears down the proxy, control pipe, and telemetry pipe. Safe to call
// more than once.
func (l *Launcher) Stop() {
	l.stopOnce.Do(func() {
		_ = l.proxy.Close()
		_ = l.controlWrite.Close()
		_ = l.telemetryRead.Close() // unblocks readTelemetry's Scan
		close(l.done)              // unblocks forwardProxyEvents' select
		_ = l.group.Wait()
		close(l.events)
	})
}

// forwardProxyEvents fans the proxy's connection-level telemetry into the
// Launcher's merged event channel until Stop is called.
func (l *Launcher) forwardProxyEvents() {
	for {
		select {
		case ev := <-l.proxy.Events():
			l.emit(ev)
		case <-l.done:
			return
		}
	}
}

// readTelemetry scans line-delimited JSON frames off the child's inherited
// telemetry fd and forwards each to the merged event channel (spec §4.2).
// A malformed line is dropped, not fatal, matching "malformed/unhandled
// frames are silently dropped" for the control direction in spec §9.
func (l *Launcher) readTelemetry() {
	scanner := bufio.NewScanner(l.telemetryRead)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			l.log.WithError(err).Debug("malformed telemetry frame, dropping")
			continue
		}
		l.emit(ev)
	}
}

// emit sends a telemetry frame without blocking the producer's hot path.
func (l *Launcher) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.log.Warn("telemetry channel full, dropping frame")
	}
}
