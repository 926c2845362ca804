package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearMetadataEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"TL_REPO", "TL_AGENT", "TL_TITLE", "TL_PROJECT", "TL_IDE"} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestDiscoverMetadata_DefaultsFromCommand(t *testing.T) {
	clearMetadataEnv(t)
	meta := discoverMetadata([]string{"claude", "--resume"})
	assert.Equal(t, "claude", meta.agent)
	assert.Equal(t, "claude", meta.title)
	assert.Equal(t, []string{"claude", "--resume"}, meta.command)
}

func TestDiscoverMetadata_EnvOverridesWin(t *testing.T) {
	clearMetadataEnv(t)
	os.Setenv("TL_AGENT", "codex")
	os.Setenv("TL_TITLE", "nightly run")
	os.Setenv("TL_PROJECT", "tallr")
	os.Setenv("TL_IDE", "cursor")
	os.Setenv("TL_REPO", "/tmp/some-repo")

	meta := discoverMetadata([]string{"claude"})
	assert.Equal(t, "codex", meta.agent)
	assert.Equal(t, "nightly run", meta.title)
	assert.Equal(t, "tallr", meta.projectName)
	assert.Equal(t, "cursor", meta.ide)
	assert.Equal(t, "/tmp/some-repo", meta.repoPath)
}

func TestDiscoverMetadata_ProjectNameFallsBackToRepoBasename(t *testing.T) {
	clearMetadataEnv(t)
	os.Setenv("TL_REPO", "/home/user/my-app")
	meta := discoverMetadata([]string{"gemini"})
	assert.Equal(t, "my-app", meta.projectName)
}
