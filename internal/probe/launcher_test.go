package probe

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaihochak/tallr/internal/common/logger"
)

// newTestLauncher builds a bare Launcher around real pipes, without a real
// proxy or child process, so readTelemetry/Resolve can be exercised as if a
// cooperating child were on the other end (spec §4.2 IPC channels).
func newTestLauncher(t *testing.T) (l *Launcher, telemetryWrite *os.File, controlRead *os.File) {
	t.Helper()

	tr, tw, err := os.Pipe()
	require.NoError(t, err)
	cr, cw, err := os.Pipe()
	require.NoError(t, err)

	l = &Launcher{
		controlWrite:  cw,
		telemetryRead: tr,
		log:           logger.Default(),
		events:        make(chan Event, 8),
		done:          make(chan struct{}),
	}
	t.Cleanup(func() {
		_ = tw.Close() // EOFs readTelemetry's Scan, letting its goroutine exit
		_ = cr.Close()
	})
	go l.readTelemetry()
	return l, tw, cr
}

func TestLauncher_ReadTelemetry_ParsesPermissionRequest(t *testing.T) {
	l, telemetryWrite, _ := newTestLauncher(t)

	frame := Event{
		Type: EventPermissionRequest,
		ID:   7,
		Tool: &Tool{Name: "write_file", Args: map[string]interface{}{"path": "a.txt"}},
	}
	require.NoError(t, json.NewEncoder(telemetryWrite).Encode(frame))

	select {
	case ev := <-l.events:
		assert.Equal(t, EventPermissionRequest, ev.Type)
		assert.Equal(t, int64(7), ev.ID)
		require.NotNil(t, ev.Tool)
		assert.Equal(t, "write_file", ev.Tool.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for telemetry frame")
	}
}

func TestLauncher_ReadTelemetry_DropsMalformedFrameButKeepsReading(t *testing.T) {
	l, telemetryWrite, _ := newTestLauncher(t)

	_, err := telemetryWrite.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(telemetryWrite).Encode(Event{Type: EventClaudeMessage, Role: "assistant", Text: "done"}))

	select {
	case ev := <-l.events:
		assert.Equal(t, EventClaudeMessage, ev.Type)
		assert.Equal(t, "assistant", ev.Role)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for telemetry frame after a malformed line")
	}
}

func TestLauncher_Resolve_WritesControlFrame(t *testing.T) {
	l, _, controlRead := newTestLauncher(t)

	require.NoError(t, l.Resolve(7, DecisionAllow))

	var frame ControlFrame
	require.NoError(t, json.NewDecoder(controlRead).Decode(&frame))
	assert.Equal(t, "permission-response", frame.Type)
	assert.Equal(t, int64(7), frame.ID)
	assert.Equal(t, DecisionAllow, frame.Decision)
}
