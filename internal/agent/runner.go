package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	stdoutChunkSize  = 32 * 1024
	stderrTailLines  = 50
	maxStderrCapture = 256 * 1024
	termGracePeriod  = 5 * time.Second
)

// ErrTimeout is surfaced by Wait when the process exceeded its wall-clock
// timeout and was terminated by the runner.
var ErrTimeout = errors.New("process exceeded wall-clock timeout")

// StartOptions describes one external process launch. All inputs are
// explicit; the runner performs no ambient environment lookups.
type StartOptions struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// Input is written to the process's stdin, which is then closed.
	Input string
	// Timeout > 0 enforces a wall-clock limit on the whole run.
	Timeout time.Duration
	// Mirror, when set, receives a raw copy of both output streams.
	Mirror io.Writer
}

// Process is a handle on a running external process. Its stdout is exposed
// as a live chunk stream; stderr is drained concurrently into a bounded
// tail buffer so neither pipe can fill and deadlock the child.
type Process struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	out     chan []byte
	done    chan struct{}
	waitRes chan error

	group    *errgroup.Group
	procCtx  context.Context
	mirror   io.Writer
	mirrorMu sync.Mutex

	stderrMu  sync.Mutex
	stderrBuf []string

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// Start launches the process described by opts. A failure here means the
// process never ran; everything after a successful Start is reported
// through Wait.
func Start(ctx context.Context, opts StartOptions) (*Process, error) {
	var procCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		procCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		procCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(procCtx, opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Cancellation delivers SIGTERM first; WaitDelay escalates to Kill and
	// force-closes the pipes if the process lingers past the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start %s: %w", opts.Command, err)
	}

	p := &Process{
		cmd:     cmd,
		cancel:  cancel,
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
		waitRes: make(chan error, 1),
		procCtx: procCtx,
		mirror:  opts.Mirror,
	}

	// Feed the prompt and close stdin so the agent sees EOF.
	go func() {
		defer stdin.Close()
		io.WriteString(stdin, opts.Input)
	}()

	g, _ := errgroup.WithContext(procCtx)
	p.group = g
	g.Go(func() error { return p.pumpStdout(stdout) })
	g.Go(func() error { return p.pumpStderr(stderr) })

	// cmd.Wait must run concurrently with the drains: it is what closes
	// the parent pipe ends once the child exits, so a grandchild that
	// inherited stdout cannot keep the pumps (and the Output channel)
	// blocked past the child's own lifetime.
	go func() { p.waitRes <- cmd.Wait() }()

	return p, nil
}

// Output returns the live stdout chunk stream. The channel is closed when
// the process's stdout reaches EOF; chunks arrive as they are read, never
// buffered in full.
func (p *Process) Output() <-chan []byte {
	return p.out
}

// Done is closed once Wait has completed.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PID returns the operating-system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) pumpStdout(r io.Reader) error {
	defer close(p.out)

	buf := make([]byte, stdoutChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.writeMirror(chunk)
			select {
			case p.out <- chunk:
			case <-p.procCtx.Done():
				// Consumer stopped (cancellation or timeout); the child is
				// being killed, so stop pumping instead of blocking.
				return p.procCtx.Err()
			}
		}
		if err != nil {
			// The pipe's parent end is closed by the concurrent cmd.Wait
			// once the child exits; treat that as EOF.
			if err == io.EOF || errors.Is(err, fs.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (p *Process) pumpStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	captured := 0
	for scanner.Scan() {
		line := scanner.Text()
		p.writeMirror([]byte("[stderr] " + line + "\n"))

		if captured < maxStderrCapture {
			p.stderrMu.Lock()
			p.stderrBuf = append(p.stderrBuf, line)
			if len(p.stderrBuf) > stderrTailLines {
				p.stderrBuf = p.stderrBuf[1:]
			}
			p.stderrMu.Unlock()
			captured += len(line)
		}
	}
	return nil
}

func (p *Process) writeMirror(b []byte) {
	if p.mirror == nil {
		return
	}
	p.mirrorMu.Lock()
	p.mirror.Write(b)
	p.mirrorMu.Unlock()
}

// StderrTail returns the last captured stderr lines, for failure causes.
func (p *Process) StderrTail() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.Join(p.stderrBuf, "\n")
}

// Wait blocks until the process exits and both streams are drained, then
// returns the exit code. A non-zero exit is a value, not an error; errors
// are reserved for timeout (ErrTimeout) and wait failures. Safe to call
// more than once.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		defer close(p.done)
		defer p.cancel()

		err := <-p.waitRes
		p.group.Wait()

		if err == nil {
			// A deadline that fires while the streams drain must not turn
			// a clean exit into a timeout; only a failed wait counts.
			p.exitCode = 0
			return
		}
		if p.procCtx.Err() == context.DeadlineExceeded {
			p.exitCode = -1
			p.waitErr = ErrTimeout
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
		p.waitErr = err
	})
	return p.exitCode, p.waitErr
}

// Terminate requests process termination. The context cancel delivers
// SIGTERM (cmd.Cancel); WaitDelay escalates to SIGKILL if the process is
// still alive after the grace period. It does not wait for the final exit
// status; callers still call Wait.
func (p *Process) Terminate() {
	p.cancel()
}
