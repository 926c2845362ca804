package client

import (
	"os"
	"strings"
)

// ResolveToken returns TALLR_TOKEN if set, otherwise reads tokenPath
// (spec §6: "Wrappers read this file if TALLR_TOKEN env is unset").
func ResolveToken(tokenPath string) (string, error) {
	if t := os.Getenv("TALLR_TOKEN"); t != "" {
		return t, nil
	}
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
