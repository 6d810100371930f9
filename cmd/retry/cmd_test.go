package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/goresilience/pkg/types"
)

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, args ...string) cmdResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.Execute()
	return cmdResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

// counterCommand returns a shell command that fails until it has run
// succeedOn times, counting runs in a file. A succeedOn of zero never
// succeeds and exits with status 3.
func counterCommand(t *testing.T, succeedOn int, stderrLine string) ([]string, func() int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	counter := filepath.Join(t.TempDir(), "count")
	script := `n=$(cat "$0" 2>/dev/null || echo 0); n=$((n+1)); echo $n > "$0"; `
	if stderrLine != "" {
		script += `echo "` + stderrLine + `" >&2; `
	}
	if succeedOn > 0 {
		script += `[ $n -ge ` + strconv.Itoa(succeedOn) + ` ]`
	} else {
		script += `exit 3`
	}

	runs := func() int {
		data, err := os.ReadFile(counter)
		if err != nil {
			return 0
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(data)))
		require.NoError(t, err)
		return n
	}
	return []string{"sh", "-c", script, counter}, runs
}

func TestRun_SucceedsFirstTime(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	res := execute(t, "run", "--", "sh", "-c", "echo hello")
	require.NoError(t, res.err)
	assert.Equal(t, "hello\n", res.stdout)
	assert.NotContains(t, res.stderr, "Retrying")
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	command, runs := counterCommand(t, 3, "")
	args := append([]string{"run", "--strategy", "fixed", "--delay", "1ms", "--max-retries", "5", "--"}, command...)

	res := execute(t, args...)
	require.NoError(t, res.err)
	assert.Equal(t, 3, runs())
	assert.Contains(t, res.stderr, "Attempt 1 failed: exit status 1. Retrying in 1ms...")
	assert.Contains(t, res.stderr, "Attempt 2 failed")
}

func TestRun_ExhaustedKeepsExitCode(t *testing.T) {
	command, runs := counterCommand(t, 0, "")
	args := append([]string{"run", "-s", "fixed", "-d", "1ms", "-n", "2", "--"}, command...)

	res := execute(t, args...)
	require.Error(t, res.err)
	assert.Equal(t, 3, runs())
	assert.Equal(t, 3, exitCode(res.err))
}

func TestRun_OnlyMatching(t *testing.T) {
	t.Run("unmatched failure is not retried", func(t *testing.T) {
		command, runs := counterCommand(t, 0, "fatal: bad manifest")
		args := append([]string{"run", "-d", "1ms", "--only-matching", "--"}, command...)

		res := execute(t, args...)
		require.Error(t, res.err)
		assert.Equal(t, 1, runs())
		assert.Contains(t, res.stderr, "fatal: bad manifest")
	})

	t.Run("pattern makes failure retryable", func(t *testing.T) {
		command, runs := counterCommand(t, 2, "fatal: bad manifest")
		args := append([]string{"run", "-d", "1ms", "--only-matching", "--pattern", "bad manifest", "--"}, command...)

		res := execute(t, args...)
		require.NoError(t, res.err)
		assert.Equal(t, 2, runs())
	})

	t.Run("built-in rules apply to stderr", func(t *testing.T) {
		command, runs := counterCommand(t, 2, "dial tcp: connection refused")
		args := append([]string{"run", "-d", "1ms", "--only-matching", "--"}, command...)

		res := execute(t, args...)
		require.NoError(t, res.err)
		assert.Equal(t, 2, runs())
	})
}

func TestRun_CommandNotFound(t *testing.T) {
	res := execute(t, "run", "-d", "1ms", "--", "definitely-not-a-command-7f3a")
	require.Error(t, res.err)
	assert.NotContains(t, res.stderr, "Retrying")
	assert.Equal(t, 1, exitCode(res.err))
}

func TestRun_InvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"delay on decorator", []string{"run", "-s", "circuit_breaker", "-d", "1s", "--", "true"}},
		{"unknown strategy", []string{"run", "-s", "quadratic", "--", "true"}},
		{"bad pattern", []string{"run", "-p", "(", "--", "true"}},
		{"negative timeout", []string{"run", "--timeout", "-1s", "--", "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := execute(t, tt.args...)
			assert.ErrorIs(t, res.err, types.ErrInvalidConfig)
		})
	}
}

func TestRun_MissingCommand(t *testing.T) {
	res := execute(t, "run")
	assert.Error(t, res.err)
}

func TestBreaker(t *testing.T) {
	res := execute(t, "breaker", "status", "payments", "search")
	require.NoError(t, res.err)
	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"KEY", "STATE", "FAILURES", "OPENED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"payments", "closed", "0", "-"}, strings.Fields(lines[1]))

	res = execute(t, "breaker", "reset", "payments")
	require.NoError(t, res.err)
	assert.Equal(t, "Circuit \"payments\" reset\n", res.stdout)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_retries: -2\n"), 0o600))

	res := execute(t, "--config", path, "breaker", "status", "x")
	assert.ErrorIs(t, res.err, types.ErrInvalidConfig)
}

func TestTailBuffer(t *testing.T) {
	tail := &tailBuffer{limit: 8}
	n, err := tail.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = tail.Write([]byte("world"))
	assert.Equal(t, "lo world", tail.String())

	n, _ = tail.Write([]byte("a much longer line"))
	assert.Equal(t, 18, n)
	assert.Equal(t, "ger line", tail.String())
}
