package main

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectIDE_NonLinuxReturnsEmpty(t *testing.T) {
	if runtime.GOOS == "linux" {
		t.Skip("only exercises the non-linux short-circuit")
	}
	assert.Equal(t, "", detectIDE())
}
