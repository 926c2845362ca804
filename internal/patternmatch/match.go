package patternmatch

import (
	"regexp"
	"strings"

	"github.com/kaihochak/tallr/pkg/tallrapi"
)

// PatternHit is one {pattern, matched, expectedState} observability record
// (spec §4.1: "MUST also return the list... for observability").
type PatternHit struct {
	Pattern       string              `json:"pattern"`
	Matched       bool                `json:"matched"`
	ExpectedState tallrapi.TaskState `json:"expectedState"`
}

// Result is a Pattern Matcher classification, or nil when the agent has no
// registered pattern set.
type Result struct {
	State      tallrapi.TaskState
	Confidence tallrapi.Confidence
	Trace      []PatternHit
}

// shellPromptPattern and completionGlyph approximate spec §4.1's "shell-prompt
// or completion glyph terminates the buffer" confidence rule for IDLE.
var (
	shellPromptPattern = regexp.MustCompile(`[$#%>]\s*$`)
	completionGlyph    = regexp.MustCompile(`[✓✔☑]`)
)

// Classify applies the priority classification rule from spec §4.1 to the
// last ~15 cleaned lines of a session's buffer. currentLine is the
// in-progress line being built (post last carriage-return reset); recent
// holds prior completed lines, oldest first, of which only the last 15 are
// examined.
//
// Priority:
//  1. any PENDING pattern in the last 5 lines (recent tail + currentLine) -> PENDING, high.
//  2. else any WORKING pattern in the last 15 lines -> WORKING, high.
//  3. else IDLE, confidence derived from shell-prompt/completion-glyph proximity.
func Classify(agent string, table *Table, currentLine string, recent []string) *Result {
	patterns, ok := table.For(agent)
	if !ok {
		return nil
	}

	tail15 := lastN(recent, 15)
	tail5 := lastN(recent, 4)
	tail5 = append(tail5, currentLine)
	tail15WithCurrent := append(append([]string{}, tail15...), currentLine)

	var trace []PatternHit

	for _, re := range patterns.Pending {
		matched := matchesAny(re, tail5)
		trace = append(trace, PatternHit{Pattern: re.String(), Matched: matched, ExpectedState: tallrapi.StatePending})
		if matched {
			return &Result{State: tallrapi.StatePending, Confidence: tallrapi.ConfidenceHigh, Trace: finish(trace, patterns)}
		}
	}

	for _, re := range patterns.Working {
		matched := matchesAny(re, tail15WithCurrent)
		trace = append(trace, PatternHit{Pattern: re.String(), Matched: matched, ExpectedState: tallrapi.StateWorking})
		if matched {
			return &Result{State: tallrapi.StateWorking, Confidence: tallrapi.ConfidenceHigh, Trace: finish(trace, patterns)}
		}
	}

	confidence := idleConfidence(currentLine, tail15WithCurrent)
	return &Result{State: tallrapi.StateIdle, Confidence: confidence, Trace: finish(trace, patterns)}
}

// finish appends the remaining (unevaluated-for-a-match, but still
// reported) patterns so the trace always lists every configured pattern
// for the agent, matched or not.
func finish(trace []PatternHit, patterns AgentPatterns) []PatternHit {
	seen := make(map[string]bool, len(trace))
	for _, h := range trace {
		seen[h.Pattern] = true
	}
	for _, re := range patterns.Pending {
		if !seen[re.String()] {
			trace = append(trace, PatternHit{Pattern: re.String(), Matched: false, ExpectedState: tallrapi.StatePending})
		}
	}
	for _, re := range patterns.Working {
		if !seen[re.String()] {
			trace = append(trace, PatternHit{Pattern: re.String(), Matched: false, ExpectedState: tallrapi.StateWorking})
		}
	}
	return trace
}

func matchesAny(re *regexp.Regexp, lines []string) bool {
	for _, l := range lines {
		if re.MatchString(l) {
			return true
		}
	}
	return false
}

func idleConfidence(currentLine string, tail []string) tallrapi.Confidence {
	if shellPromptPattern.MatchString(strings.TrimRight(currentLine, " ")) {
		return tallrapi.ConfidenceHigh
	}
	for i := len(tail) - 1; i >= 0 && i >= len(tail)-3; i-- {
		if completionGlyph.MatchString(tail[i]) {
			return tallrapi.ConfidenceMedium
		}
	}
	return tallrapi.ConfidenceLow
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
