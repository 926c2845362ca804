package main

import "testing"

func TestRunTokenCommand_NoArgsUsage(t *testing.T) {
	if got := runTokenCommand(nil); got != 1 {
		t.Errorf("expected exit code 1 for missing subcommand, got %d", got)
	}
}

func TestRunTokenCommand_UnknownSubcommand(t *testing.T) {
	if got := runTokenCommand([]string{"frobnicate"}); got != 1 {
		t.Errorf("expected exit code 1 for unknown subcommand, got %d", got)
	}
}
