// Package ptyhost implements the PTY Host (spec §4.3): it allocates a
// pseudo-terminal, spawns the agent command as its foreground process,
// pumps bytes between the user's TTY and the child without perturbing
// them, mirrors window-size changes, forwards signals, and tees child
// output to the State Tracker.
package ptyhost

import "io"

// Handle abstracts PTY operations across Unix and Windows so the pump loop
// in session.go never branches on GOOS.
type Handle interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}
