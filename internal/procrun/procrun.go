// Package procrun runs child processes with line-streamed output, a single
// overall timeout, and cooperative cancellation via process-group signals.
package procrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// TimedOutExitCode is the sentinel exit code reported when the child was
// killed by the timeout or by cancellation.
const TimedOutExitCode = -1

const (
	termGrace = 5 * time.Second
	killGrace = 2 * time.Second
)

// Spec describes one child process invocation.
type Spec struct {
	Argv    []string
	Dir     string
	Env     []string // appended to the inherited environment
	Stdin   string
	Timeout time.Duration // zero means no timeout
}

// Result carries the outcome of a finished (or killed) child. A non-zero
// exit code is reported here, never as an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner streams a child's output line by line. Callbacks are invoked from
// the reader goroutines, one line at a time, in stream order.
type Runner struct {
	OnStart      func(pid int)
	OnStdoutLine func(line string)
	OnStderrLine func(line string)
}

// Run executes the spec and blocks until the child exits or is killed.
//
// On timeout the child's whole process group gets SIGTERM, then after a grace
// period SIGKILL; the result carries TimedOut=true and the sentinel exit
// code. Context cancellation runs the same termination ladder and returns
// ctx.Err().
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// New process group so the termination ladder reaches grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	var stdin io.WriteCloser
	if spec.Stdin != "" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if r.OnStart != nil {
		r.OnStart(cmd.Process.Pid)
	}

	var linesMu sync.Mutex
	var outLines, errLines []string
	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdout, &linesMu, &outLines, r.OnStdoutLine)
	})
	g.Go(func() error {
		return readLines(stderr, &linesMu, &errLines, r.OnStderrLine)
	})
	if stdin != nil {
		payload := spec.Stdin
		g.Go(func() error {
			_, werr := io.WriteString(stdin, payload)
			cerr := stdin.Close()
			if werr != nil {
				return werr
			}
			return cerr
		})
	}

	waitDone := make(chan error, 1)
	go func() {
		// Readers must drain before Wait closes the pipes.
		rerr := g.Wait()
		werr := cmd.Wait()
		if werr == nil {
			werr = rerr
		}
		waitDone <- werr
	}()

	var timeoutCh <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	result := func(exitCode int, timedOut bool) *Result {
		linesMu.Lock()
		defer linesMu.Unlock()
		return &Result{
			ExitCode: exitCode,
			Stdout:   strings.Join(outLines, "\n"),
			Stderr:   strings.Join(errLines, "\n"),
			TimedOut: timedOut,
		}
	}

	select {
	case err := <-waitDone:
		code := cmd.ProcessState.ExitCode()
		if _, exited := err.(*exec.ExitError); err != nil && !exited {
			// Reader or stdin failure; the child itself is accounted for.
			return result(code, false), err
		}
		return result(code, false), nil
	case <-timeoutCh:
		terminate(cmd, waitDone)
		return result(TimedOutExitCode, true), nil
	case <-ctx.Done():
		terminate(cmd, waitDone)
		return result(TimedOutExitCode, true), ctx.Err()
	}
}

// terminate runs the polite-then-forceful ladder against the child's
// process group and waits for the wait goroutine to settle.
func terminate(cmd *exec.Cmd, waitDone <-chan error) {
	pid := cmd.Process.Pid
	signalGroup(pid, syscall.SIGTERM)
	select {
	case <-waitDone:
		return
	case <-time.After(termGrace):
	}
	signalGroup(pid, syscall.SIGKILL)
	select {
	case <-waitDone:
	case <-time.After(killGrace):
	}
}

func signalGroup(pid int, sig syscall.Signal) {
	// Negative pid addresses the process group; fall back to the process
	// itself if the group is already gone.
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func readLines(r io.Reader, mu *sync.Mutex, into *[]string, cb func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.ToValidUTF8(strings.TrimRight(sc.Text(), "\r"), "�")
		mu.Lock()
		*into = append(*into, line)
		mu.Unlock()
		if cb != nil {
			cb(line)
		}
	}
	err := sc.Err()
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Command is a convenience wrapper for one-shot invocations with a
// caller-supplied timeout (zero means none) and no streaming callbacks.
func Command(ctx context.Context, dir string, timeout time.Duration, argv ...string) (*Result, error) {
	r := &Runner{}
	return r.Run(ctx, Spec{Argv: argv, Dir: dir, Timeout: timeout})
}
