package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"testing"
)

// set in the environment of a re-executed test binary to make it act as treesync
const cliModeEnv = "TREESYNC_TEST_CLI"

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestMain(m *testing.M) {
	if os.Getenv(cliModeEnv) == "1" {
		os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// runCLI runs treesync as a separate process and returns its combined output
// and exit status.
func runCLI(t *testing.T, args ...string) (string, int) {
	t.Helper()

	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), cliModeEnv+"=1", "NO_COLOR=1", "TERM=dumb")
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return string(out), 0
	case errors.As(err, &exitErr):
		return string(out), exitErr.ExitCode()
	}
	t.Fatalf("run treesync %v: %v", args, err)
	return "", 0
}
