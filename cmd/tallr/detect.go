package main

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// detectIDE makes a best-effort guess at the user's preferred IDE by
// inspecting the wrapper's parent process (spec §4.3 step 2: "preferred IDE
// via best-effort parent-process inspection with a user override" — TL_IDE
// is the override, checked by the caller before this runs). Absence of a
// match is not an error; the Project simply carries no preferred IDE.
func detectIDE() string {
	if runtime.GOOS != "linux" {
		return ""
	}
	comm, err := os.ReadFile("/proc/" + strconv.Itoa(os.Getppid()) + "/comm")
	if err != nil {
		return ""
	}
	name := strings.ToLower(strings.TrimSpace(string(comm)))
	switch {
	case strings.Contains(name, "code"):
		return "vscode"
	case strings.Contains(name, "cursor"):
		return "cursor"
	case strings.Contains(name, "idea") || strings.Contains(name, "webstorm") || strings.Contains(name, "goland"):
		return "jetbrains"
	default:
		return ""
	}
}
