package patternmatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kaihochak/tallr/pkg/tallrapi"
)

func TestClassify_ClaudePending(t *testing.T) {
	table := NewTable()
	r := Classify("claude", table, "❯ 1. Yes, approve", nil)
	require.NotNil(t, r)
	require.Equal(t, tallrapi.StatePending, r.State)
	require.Equal(t, tallrapi.ConfidenceHigh, r.Confidence)
}

func TestClassify_ClaudeWorking(t *testing.T) {
	table := NewTable()
	r := Classify("claude", table, "", []string{"Thinking... (esc to interrupt)"})
	require.NotNil(t, r)
	require.Equal(t, tallrapi.StateWorking, r.State)
}

func TestClassify_PendingTakesPriorityOverWorking(t *testing.T) {
	table := NewTable()
	r := Classify("claude", table, "❯ 1. Yes", []string{"esc to interrupt"})
	require.Equal(t, tallrapi.StatePending, r.State)
}

func TestClassify_IdleFallback(t *testing.T) {
	table := NewTable()
	r := Classify("claude", table, "$ ", nil)
	require.Equal(t, tallrapi.StateIdle, r.State)
	require.Equal(t, tallrapi.ConfidenceHigh, r.Confidence)
}

func TestClassify_UnknownAgentReturnsNil(t *testing.T) {
	table := NewTable()
	r := Classify("some-future-agent", table, "anything", nil)
	require.Nil(t, r)
}

func TestClassify_CodexPatterns(t *testing.T) {
	table := NewTable()
	r := Classify("codex", table, "", []string{"▌ Yes No"})
	require.Equal(t, tallrapi.StatePending, r.State)
}

func TestClassify_GeminiPatterns(t *testing.T) {
	table := NewTable()
	r := Classify("gemini", table, "● 1. Yes", nil)
	require.Equal(t, tallrapi.StatePending, r.State)
}

func TestClean_StripsCSIAndCollapsesSpaces(t *testing.T) {
	raw := "\x1b[31mHello\x1b[0m   \tworld\x1b]0;title\x07"
	got := Clean(raw)
	require.Equal(t, "Hello world", got)
}
