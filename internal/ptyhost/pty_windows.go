//go:build windows

package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/UserExistsError/conpty"
)

type windowsHandle struct {
	cpty *conpty.ConPty
}

func (h *windowsHandle) Read(b []byte) (int, error)  { return h.cpty.Read(b) }
func (h *windowsHandle) Write(b []byte) (int, error) { return h.cpty.Write(b) }
func (h *windowsHandle) Close() error                { return h.cpty.Close() }

func (h *windowsHandle) Resize(cols, rows uint16) error {
	return h.cpty.Resize(int(cols), int(rows))
}

// startWithSize starts cmd attached to a Windows ConPTY pseudo-console.
// ConPTY owns process creation, so the command line is rebuilt from
// cmd.Args and cmd.Process is populated afterward so the rest of the
// wrapper can treat both platforms uniformly (signal, wait, exit status).
func startWithSize(cmd *exec.Cmd, cols, rows int) (Handle, error) {
	cmdLine := buildCmdLine(cmd.Args)
	if len(cmd.Args) == 0 {
		cmdLine = escapeArg(cmd.Path)
	}

	opts := []conpty.ConPtyOption{conpty.ConPtyDimensions(cols, rows)}
	if cmd.Dir != "" {
		opts = append(opts, conpty.ConPtyWorkDir(cmd.Dir))
	}
	if cmd.Env != nil {
		opts = append(opts, conpty.ConPtyEnv(cmd.Env))
	}

	cpty, err := conpty.Start(cmdLine, opts...)
	if err != nil {
		return nil, err
	}

	pid := cpty.Pid()
	proc, err := os.FindProcess(int(pid))
	if err != nil {
		_ = cpty.Close()
		return nil, fmt.Errorf("find conpty process %d: %w", pid, err)
	}
	cmd.Process = proc

	return &windowsHandle{cpty: cpty}, nil
}

func buildCmdLine(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = escapeArg(a)
	}
	return strings.Join(parts, " ")
}

func escapeArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, " \t\"") {
		return arg
	}
	return `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
}
