// Package patternmatch implements the Pattern Matcher (spec §4.1): an
// agent-keyed regex table over a cleaned, rolling buffer of recent output,
// producing a classification with a confidence label and a diagnostic
// trace.
package patternmatch

import (
	"regexp"
	"strings"
)

// csiPattern matches CSI (Control Sequence Introducer) escape sequences:
// ESC [ ... final-byte.
var csiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z@-~]`)

// oscPattern matches OSC (Operating System Command) sequences, terminated
// by BEL or ST (ESC \).
var oscPattern = regexp.MustCompile(`\x1b\][^\x07]*(\x07|\x1b\\)`)

// otherEscPattern matches the remaining two-byte ESC sequences: application
// keypad mode (ESC = / ESC >) and character-set selectors (ESC ( X, ESC ) X).
var otherEscPattern = regexp.MustCompile(`\x1b[=>()][0-9A-Za-z]?`)

// c0c1Pattern matches C0/C1 control characters except CR, LF, and TAB.
var c0c1Pattern = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f\u0080-\u009f]")

var spaceRun = regexp.MustCompile(`[ ]{2,}`)

// Clean applies the cleaning contract from spec §4.1: strip CSI/OSC/
// keypad/charset escape sequences and C0/C1 controls (except CR/LF/TAB),
// expand tabs to spaces, collapse runs of spaces, and trim. Carriage-return
// line-reset semantics are the State Tracker's responsibility, not the
// cleaner's (the cleaner operates on one already-reset line).
func Clean(raw string) string {
	s := csiPattern.ReplaceAllString(raw, "")
	s = oscPattern.ReplaceAllString(s, "")
	s = otherEscPattern.ReplaceAllString(s, "")
	s = c0c1Pattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\t", " ")
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
