package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

var _ Terminal = (*Process)(nil)

const readBufferSize = 32 * 1024

// Process is one shell attached to a pseudo-terminal.
type Process struct {
	cmd    *exec.Cmd
	pty    *os.File
	logger *slog.Logger
	grace  time.Duration

	// output 由读协程独占写入，关闭前设置 readErr
	output  chan []byte
	readErr error

	stopped   chan struct{}
	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// PtySpawner spawns real pty-backed shells.
type PtySpawner struct {
	Logger *slog.Logger
}

func (s PtySpawner) Spawn(ctx context.Context, opts Options) (Terminal, error) {
	return Spawn(ctx, opts, s.Logger)
}

// Spawn starts the shell in opts.Dir with a fresh environment and applies the
// resource limits. Any failure, including failing to apply the limits, leaves
// no process behind and returns an error wrapping ErrSpawnFailed.
func Spawn(ctx context.Context, opts Options, logger *slog.Logger) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if opts.ShellPath == "" {
		return nil, fmt.Errorf("%w: no shell configured", ErrSpawnFailed)
	}
	if fi, err := os.Stat(opts.Dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: working directory %q unavailable", ErrSpawnFailed, opts.Dir)
	}

	rows, cols := opts.Rows, opts.Cols
	if !validSize(rows, cols) {
		rows, cols = DefaultRows, DefaultCols
	}

	args := append([]string{}, opts.Args...)
	if opts.Restricted {
		args = append(args, "--restricted")
	}

	// 进程生命周期由 Terminate 管理，不绑定 ctx
	cmd := exec.Command(opts.ShellPath, args...)
	cmd.Dir = opts.Dir
	cmd.Env = BuildEnv(opts)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	pid := cmd.Process.Pid
	if err := applyLimits(pid, opts.Limits); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		ptmx.Close()
		return nil, fmt.Errorf("%w: apply resource limits: %v", ErrSpawnFailed, err)
	}

	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = 2 * time.Second
	}

	p := &Process{
		cmd:     cmd,
		pty:     ptmx,
		logger:  logger.With("component", "sandbox", "pid", pid),
		grace:   grace,
		output:  make(chan []byte, 64),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go p.readLoop()
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.logger.Info("Shell spawned", "shell", opts.ShellPath, "dir", opts.Dir, "rows", rows, "cols", cols)
	return p, nil
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the shell has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) readLoop() {
	defer close(p.output)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			case <-p.stopped:
				p.readErr = io.EOF
				return
			}
		}
		if err != nil {
			p.readErr = classifyReadErr(err)
			return
		}
	}
}

// Linux 上从端全部关闭后主端读取返回 EIO，视为 EOF
func classifyReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return io.EOF
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

// Read waits up to timeout for output. A timeout yields (nil, nil); the end
// of the pty yields io.EOF.
func (p *Process) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-p.output:
		if !ok {
			return nil, p.readErr
		}
		return chunk, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Process) Write(b []byte) (int, error) {
	select {
	case <-p.stopped:
		return 0, ErrClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	n, err := p.pty.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, nil
}

func (p *Process) Resize(rows, cols uint16) error {
	if !validSize(rows, cols) {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, rows, cols)
	}
	select {
	case <-p.stopped:
		return ErrClosed
	default:
	}
	if err := pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("%w: resize: %v", ErrIO, err)
	}
	return nil
}

// Terminate sends SIGTERM to the shell's process group, escalates to SIGKILL
// after the grace period, reaps the shell and closes the pty. Calling it
// again, or after the shell exited on its own, is a no-op.
func (p *Process) Terminate() {
	p.closeOnce.Do(func() {
		close(p.stopped)

		// pty.Start 使用 Setsid，shell 即进程组长
		pgid := -p.cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGHUP)
		_ = syscall.Kill(pgid, syscall.SIGTERM)

		select {
		case <-p.done:
		case <-time.After(p.grace):
			p.logger.Warn("Shell ignored SIGTERM, killing")
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			select {
			case <-p.done:
			case <-time.After(p.grace):
				p.logger.Error("Shell did not exit after SIGKILL")
			}
		}

		// 后台残留的孙进程一并清理
		_ = syscall.Kill(pgid, syscall.SIGKILL)

		if err := p.pty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			p.logger.Debug("Closing pty failed", "error", err)
		}
		p.logger.Info("Shell terminated", "exit", exitDescription(p.waitErr, p.done))
	})
}

func exitDescription(err error, done <-chan struct{}) string {
	select {
	case <-done:
	default:
		return "unreaped"
	}
	if err == nil {
		return "status 0"
	}
	return err.Error()
}
