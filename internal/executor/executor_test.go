package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localShell(t *testing.T) *Shell {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	return New(LocalOptions())
}

func TestExecuteCollectsOutput(t *testing.T) {
	sh := localShell(t)

	res, err := sh.Execute(context.Background(), "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.False(t, res.Success())
	assert.Equal(t, []string{"out"}, res.Lines())
}

func TestRunWrapsNonZeroExit(t *testing.T) {
	sh := localShell(t)

	_, err := Run(context.Background(), sh, "echo nope >&2; exit 2")
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 2, execErr.ExitCode)
	assert.Contains(t, execErr.Error(), "nope")

	res, err := Run(context.Background(), sh, "printf 'a\\n\\nb\\n'")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Lines())
	assert.Equal(t, "a", res.FirstLine())
}

func TestTestExpression(t *testing.T) {
	sh := localShell(t)
	dir := t.TempDir()

	ok, err := Test(context.Background(), sh, "-d", dir)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Test(context.Background(), sh, "-f", filepath.Join(dir, "missing file"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuoteSurvivesShell(t *testing.T) {
	sh := localShell(t)

	for _, s := range []string{
		"plain",
		"with space",
		"it's",
		"$(whoami)",
		"`id`",
		"; rm -rf /",
		"a\nb",
		"",
		"/data/data/org.mozilla.firefox/files/mozilla/ab12.default-release",
	} {
		res, err := sh.Execute(context.Background(), "printf %s "+Quote(s))
		require.NoError(t, err)
		assert.Equal(t, s, res.Stdout, "quoted %q", s)
	}
}

func TestQuoteAll(t *testing.T) {
	assert.Equal(t, "a 'b c' ''", QuoteAll([]string{"a", "b c", ""}))
}

func TestExecuteStreamingDeliversLines(t *testing.T) {
	sh := localShell(t)
	script := filepath.Join(t.TempDir(), "01_stop.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo \"[INFO] $1\"\necho warn >&2\nexit 4\n"), 0o755))

	var lines []string
	code, err := sh.ExecuteStreaming(context.Background(), script, []string{"hello world"}, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Equal(t, []string{"[INFO] hello world", "warn"}, lines)
}

func TestExecuteStreamingThroughPTY(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	ptmx.Close()
	tty.Close()

	opts := LocalOptions()
	opts.UsePTY = true
	sh := New(opts)

	script := filepath.Join(t.TempDir(), "02_verify.sh")
	require.NoError(t, os.WriteFile(script, []byte("echo one\necho two\n"), 0o755))

	var lines []string
	code, err := sh.ExecuteStreaming(context.Background(), script, nil, func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestExecuteHonoursContext(t *testing.T) {
	sh := localShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := sh.Execute(ctx, "sleep 5")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
}

func TestSuArgv(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "local",
			opts: Options{Mode: ModeLocal, Shell: "sh"},
			want: []string{"sh", "-c", "id"},
		},
		{
			name: "su without namespace",
			opts: Options{Mode: ModeSU, SuBinary: "su", Shell: "/system/bin/sh"},
			want: []string{"su", "-c", "id"},
		},
		{
			name: "su with namespace",
			opts: Options{Mode: ModeSU, SuBinary: "su", Shell: "/system/bin/sh", GlobalNamespace: true},
			want: []string{"su", "-c", "if command -v nsenter >/dev/null 2>&1; then exec nsenter -t 1 -m -- /system/bin/sh -c id; fi; id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.opts).argv("id"))
		})
	}
}

func TestLaunchGuardOpensOnMissingBinary(t *testing.T) {
	opts := DefaultOptions()
	opts.SuBinary = filepath.Join(t.TempDir(), "missing-su")
	opts.GuardThreshold = 2
	opts.GuardCooldown = time.Hour
	sh := New(opts)

	for i := 0; i < 2; i++ {
		_, err := sh.Execute(context.Background(), "id")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrLaunch)
	}
	assert.Equal(t, GuardOpen, sh.GuardState())

	_, err := sh.Execute(context.Background(), "id")
	assert.ErrorIs(t, err, ErrGuardOpen)
	assert.True(t, IsLaunchFailure(err))

	_, err = sh.ExecuteStreaming(context.Background(), "/x.sh", nil, nil)
	assert.ErrorIs(t, err, ErrGuardOpen)
}

func TestLaunchGuardHalfOpenProbe(t *testing.T) {
	g := newLaunchGuard(1, time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	require.NoError(t, g.admit())
	g.record(false)
	assert.Equal(t, GuardOpen, g.State())
	assert.ErrorIs(t, g.admit(), ErrGuardOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, g.admit())
	assert.Equal(t, GuardHalfOpen, g.State())
	assert.ErrorIs(t, g.admit(), ErrGuardOpen, "only one probe at a time")

	g.record(true)
	assert.Equal(t, GuardClosed, g.State())
	assert.NoError(t, g.admit())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("SU")
	require.NoError(t, err)
	assert.Equal(t, ModeSU, m)

	_, err = ParseMode("sudo")
	assert.Error(t, err)
}
