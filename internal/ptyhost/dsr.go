package ptyhost

import "bytes"

// containsDSRQuery reports whether data contains a Device Status Report
// cursor-position query: ESC [ 6 n or ESC [ ? 6 n.
func containsDSRQuery(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[6n")) || bytes.Contains(data, []byte("\x1b[?6n"))
}

// containsDA1Query reports whether data contains a Primary Device
// Attributes query: ESC [ c or ESC [ 0 c.
func containsDA1Query(data []byte) bool {
	return bytes.Contains(data, []byte("\x1b[c")) || bytes.Contains(data, []byte("\x1b[0c"))
}

// dsrResponse answers a cursor-position query with the top-left position;
// the agent only needs a well-formed response to unblock, not an accurate
// one, since no real terminal is attached to answer it.
const dsrResponse = "\x1b[1;1R"

// da1Response answers a device-attributes query as a VT100 with the
// advanced video option.
const da1Response = "\x1b[?1;2c"

// autoRespond answers DSR/DA1 queries directly on the PTY master so agents
// that probe terminal capabilities don't hang waiting for a real terminal
// to answer. The session calls it on every output chunk, but only when the
// wrapper's stdout is not a terminal (piped or redirected); a real terminal
// answers these queries itself.
func autoRespond(h Handle, data []byte) {
	if containsDSRQuery(data) {
		_, _ = h.Write([]byte(dsrResponse))
	}
	if containsDA1Query(data) {
		_, _ = h.Write([]byte(da1Response))
	}
}
