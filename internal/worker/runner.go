package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
	ErrStarted    = errors.New("runner already used")
)

const waitDelay = 2 * time.Second

type StderrFunc func(ctx context.Context, line string)

// Runner executes a single command. It is not reusable; every job gets
// its own.
type Runner struct {
	mx      sync.RWMutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	started bool
	result  Result
	done    chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
		done:   make(chan struct{}),
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Start runs proto and returns without waiting for it. Done is closed when
// the process exits; Stop kills it early. A failed start closes Done too.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.started {
		return ErrStarted
	}
	r.started = true

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Err:  ErrInProgress,
	}

	if proto.Timeout > 0 {
		ctx, r.cancel = context.WithTimeout(ctx, proto.Timeout)
	} else {
		ctx, r.cancel = context.WithCancel(ctx)
	}

	r.cmd = exec.CommandContext(ctx, proto.Path, proto.Args...)
	r.cmd.Env = append([]string(nil), proto.Env...)
	// children left behind by a killed command may hold stderr open
	r.cmd.WaitDelay = waitDelay
	var buf bytes.Buffer
	r.result.Stdout = &buf
	r.cmd.Stdout = &buf

	var stderr *io.PipeWriter
	var stderrDone chan struct{}
	if stderrFunc != nil {
		var pr *io.PipeReader
		pr, stderr = io.Pipe()
		r.cmd.Stderr = stderr
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			processStderr(ctx, pr, stderrFunc)
		}()
	}

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		if stderr != nil {
			_ = stderr.Close()
			<-stderrDone
		}
		r.fail(err)
		return err
	}

	go r.wait(r.cmd, stderr, stderrDone)
	return nil
}

// fail records a start error. Callers hold mx.
func (r *Runner) fail(err error) {
	r.cancel()
	r.result.Stopped = time.Now().UTC()
	r.result.Err = err
	r.cmd = nil
	close(r.done)
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, stderr *io.PipeWriter, stderrDone <-chan struct{}) {
	err := cmd.Wait()
	r.cancel()
	if stderr != nil {
		_ = stderr.Close()
		<-stderrDone
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	close(r.done)
}

// Stop kills a running command. It does not wait for it to exit.
func (r *Runner) Stop() {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		r.cancel()
	}
}

// Done is closed once the command has ended.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome of the command, or a result carrying
// ErrNotStarted or ErrInProgress.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
