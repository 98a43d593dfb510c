package sandbox_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"terminal/internal/sandbox"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func requireShell(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping pty test in short mode")
	}
	if runtime.GOOS != "linux" {
		t.Skip("pty sandbox tests need linux")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func testOptions(t *testing.T) sandbox.Options {
	return sandbox.Options{
		ShellPath:      "/bin/sh",
		Dir:            t.TempDir(),
		Home:           t.TempDir(),
		Path:           "/usr/local/bin:/usr/bin:/bin",
		Env:            map[string]string{"LD_PRELOAD": "/tmp/evil.so", "PROJECT": "demo"},
		Rows:           30,
		Cols:           100,
		TerminateGrace: 500 * time.Millisecond,
	}
}

// readUntil 持续读取直到输出包含 want 或超时
func readUntil(t *testing.T, term sandbox.Terminal, want string, timeout time.Duration) string {
	t.Helper()
	var buf bytes.Buffer
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		chunk, err := term.Read(context.Background(), 200*time.Millisecond)
		if err != nil {
			t.Fatalf("Read failed: %v (output so far %q)", err, buf.String())
		}
		buf.Write(chunk)
		if strings.Contains(buf.String(), want) {
			return buf.String()
		}
	}
	t.Fatalf("Timed out waiting for %q, got %q", want, buf.String())
	return ""
}

func TestSpawnRunsInWorkDir(t *testing.T) {
	requireShell(t)

	opts := testOptions(t)
	proc, err := sandbox.Spawn(context.Background(), opts, newLogger())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer proc.Terminate()

	if proc.Pid() <= 0 {
		t.Errorf("Pid = %d", proc.Pid())
	}

	if _, err := proc.Write([]byte("pwd; echo MARK-$PROJECT-${LD_PRELOAD:-unset}\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := readUntil(t, proc, "MARK-demo-unset", 5*time.Second)
	if !strings.Contains(out, opts.Dir) {
		t.Errorf("Expected working dir %s in output %q", opts.Dir, out)
	}
}

func TestSpawnAppliesSize(t *testing.T) {
	requireShell(t)

	proc, err := sandbox.Spawn(context.Background(), testOptions(t), newLogger())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer proc.Terminate()

	proc.Write([]byte("stty size\n"))
	readUntil(t, proc, "30 100", 5*time.Second)

	if err := proc.Resize(50, 160); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	proc.Write([]byte("stty size\n"))
	readUntil(t, proc, "50 160", 5*time.Second)

	if err := proc.Resize(0, 10); !errors.Is(err, sandbox.ErrInvalidSize) {
		t.Errorf("Resize(0,10) = %v, want ErrInvalidSize", err)
	}
}

func TestSpawnAppliesLimits(t *testing.T) {
	requireShell(t)

	opts := testOptions(t)
	opts.Limits = sandbox.Limits{CPUSeconds: 60, FileSizeBytes: 1 << 20, MaxProcesses: 4096}
	proc, err := sandbox.Spawn(context.Background(), opts, newLogger())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer proc.Terminate()

	proc.Write([]byte("echo CPU=$(ulimit -t)\n"))
	readUntil(t, proc, "CPU=60", 5*time.Second)
}

func TestReadTimeoutReturnsNil(t *testing.T) {
	requireShell(t)

	opts := testOptions(t)
	opts.Args = []string{"-c", "sleep 5"}
	proc, err := sandbox.Spawn(context.Background(), opts, newLogger())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer proc.Terminate()

	chunk, err := proc.Read(context.Background(), 100*time.Millisecond)
	if err != nil || chunk != nil {
		t.Errorf("Read on idle shell = (%q, %v), want (nil, nil)", chunk, err)
	}
}

func TestShellExitYieldsEOF(t *testing.T) {
	requireShell(t)

	opts := testOptions(t)
	opts.Args = []string{"-c", "echo bye"}
	proc, err := sandbox.Spawn(context.Background(), opts, newLogger())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer proc.Terminate()

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Shell did not exit")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, err := proc.Read(context.Background(), 100*time.Millisecond)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			t.Fatalf("Unexpected read error: %v", err)
		}
	}
	t.Fatal("Expected io.EOF after shell exit")
}

func TestTerminateIsIdempotent(t *testing.T) {
	requireShell(t)

	opts := testOptions(t)
	// 忽略 SIGTERM/SIGHUP，验证 SIGKILL 升级
	opts.Args = []string{"-c", "trap '' TERM HUP; while :; do sleep 1; done"}
	proc, err := sandbox.Spawn(context.Background(), opts, newLogger())
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	start := time.Now()
	proc.Terminate()
	proc.Terminate()

	select {
	case <-proc.Done():
	default:
		t.Fatal("Shell still running after Terminate")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Terminate took %v", elapsed)
	}

	if _, err := proc.Write([]byte("ls\n")); !errors.Is(err, sandbox.ErrClosed) {
		t.Errorf("Write after Terminate = %v, want ErrClosed", err)
	}
	if err := proc.Resize(24, 80); !errors.Is(err, sandbox.ErrClosed) {
		t.Errorf("Resize after Terminate = %v, want ErrClosed", err)
	}
}

func TestSpawnFailures(t *testing.T) {
	logger := newLogger()

	tests := []struct {
		name   string
		mutate func(*sandbox.Options)
	}{
		{"missing shell", func(o *sandbox.Options) { o.ShellPath = "/nonexistent/shell" }},
		{"empty shell", func(o *sandbox.Options) { o.ShellPath = "" }},
		{"missing dir", func(o *sandbox.Options) { o.Dir = "/nonexistent/workdir" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t)
			tt.mutate(&opts)
			_, err := sandbox.Spawn(context.Background(), opts, logger)
			if !errors.Is(err, sandbox.ErrSpawnFailed) {
				t.Errorf("Spawn = %v, want ErrSpawnFailed", err)
			}
		})
	}
}

func TestBuildEnv(t *testing.T) {
	env := sandbox.BuildEnv(sandbox.Options{
		ShellPath: "/bin/bash",
		Home:      "/home/coder",
		Path:      "/usr/bin:/bin",
		Env: map[string]string{
			"LD_PRELOAD":      "x",
			"ld_library_path": "x",
			"BASH_ENV":        "x",
			"BASH_FUNC_ls%%":  "x",
			"PROMPT_COMMAND":  "x",
			"EDITOR":          "nano",
		},
	})

	got := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		got[k] = v
	}

	want := map[string]string{
		"PATH":  "/usr/bin:/bin",
		"HOME":  "/home/coder",
		"TERM":  "xterm-256color",
		"SHELL": "/bin/bash",
		"LANG":  "C.UTF-8",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if got["EDITOR"] != "nano" {
		t.Errorf("EDITOR not passed through")
	}
	for _, k := range []string{"LD_PRELOAD", "ld_library_path", "BASH_ENV", "BASH_FUNC_ls%%", "PROMPT_COMMAND"} {
		if _, ok := got[k]; ok {
			t.Errorf("%s should be filtered", k)
		}
	}
	if _, ok := got["PS1"]; !ok {
		t.Error("PS1 missing")
	}
}
