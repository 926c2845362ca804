//go:build windows

package ptyhost

import (
	"os"
	"os/exec"
)

// forwardSignal kills the child; Windows has no SIGTERM equivalent.
func forwardSignal(p *os.Process, _ os.Signal) error {
	return p.Kill()
}

// waitChild waits for the child via its os.Process handle, since ConPTY
// starts the process outside of cmd.Start().
func waitChild(cmd *exec.Cmd) (exitCode int, signaled bool, err error) {
	state, err := cmd.Process.Wait()
	if err != nil {
		return 1, false, err
	}
	return state.ExitCode(), false, nil
}
