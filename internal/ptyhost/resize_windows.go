//go:build windows

package ptyhost

// watchResize is a no-op on Windows: there is no SIGWINCH analogue, and
// the spec's Resize handling (§4.3) is specified in terms of that POSIX
// signal. Initial sizing still happens once at session start via
// currentSize/startWithSize.
func watchResize(onChange func()) (stop func()) {
	return func() {}
}
