package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/fiap/smartlocation/internal/model"
)

var (
	ErrRunInProgress = errors.New("run in progress")
	ErrTimedOut      = errors.New("timed out")
	ErrCancelled     = errors.New("cancelled")
)

const (
	// DefaultTailLines is how many output lines a Result keeps.
	DefaultTailLines = 20
	// waitDelay bounds how long Wait waits for output pipes held open by
	// orphaned children after the process exited or was killed.
	waitDelay = 5 * time.Second
	// lines longer than maxLine are split
	maxLine = 64 * 1024
)

// LineFunc receives the combined stdout and stderr output line by line.
type LineFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// ExitKind classifies how a process ended.
type ExitKind int

const (
	Exited ExitKind = iota
	TimedOut
	Cancelled
	LaunchFailed
)

func (k ExitKind) String() string {
	switch k {
	case Exited:
		return "exited"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case LaunchFailed:
		return "launch_failed"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

type Result struct {
	Path    string
	Args    []string
	Kind    ExitKind
	Code    int   // valid for Exited
	Err     error // launch error or termination cause
	Started time.Time
	Stopped time.Time
	Tail    []string
}

// Runner executes one process at a time and owns it until it ends.
type Runner struct {
	mx        sync.Mutex
	cancel    context.CancelCauseFunc
	tailLines int
}

func NewRunner() *Runner {
	return &Runner{tailLines: DefaultTailLines}
}

// Run starts the process and blocks until it exits, its timeout elapses or
// ctx is done. The output is passed to onLine as it is produced. The error
// is ErrRunInProgress when another Run is active, all process failures
// are reported in Result.
func (r *Runner) Run(ctx context.Context, proto Command, onLine LineFunc) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.mx.Lock()
	if r.cancel != nil {
		r.mx.Unlock()
		return Result{}, ErrRunInProgress
	}
	r.cancel = cancel
	r.mx.Unlock()
	defer func() {
		r.mx.Lock()
		r.cancel = nil
		r.mx.Unlock()
	}()

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeoutCause(ctx, proto.Timeout, ErrTimedOut)
		defer tcancel()
	}

	res := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	out := newLineWriter(ctx, onLine, r.tailLines)
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if proto.Env != nil {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	processGroup(cmd)

	res.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Kind = LaunchFailed
		res.Err = err
		return res, nil
	}
	slog.DebugContext(ctx, "process started", "path", proto.Path, "pid", cmd.Process.Pid)

	err := cmd.Wait()
	res.Stopped = time.Now().UTC()
	out.flush()
	res.Tail = out.lines()

	switch {
	case err != nil && ctx.Err() != nil:
		cause := context.Cause(ctx)
		res.Err = cause
		if errors.Is(cause, ErrTimedOut) {
			res.Kind = TimedOut
		} else {
			res.Kind = Cancelled
		}
	case cmd.ProcessState != nil:
		res.Kind = Exited
		res.Code = cmd.ProcessState.ExitCode()
		if err != nil && res.Code == 0 {
			// output pipes outlived the process
			res.Err = err
		}
	default:
		res.Kind = LaunchFailed
		res.Err = err
	}
	return res, nil
}

// Cancel terminates the active process, if any.
func (r *Runner) Cancel() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancel != nil {
		r.cancel(ErrCancelled)
	}
}

// Exec runs cmd in dir and returns an error unless it exits with zero.
// Its timeout is bounded by ctx and cmd.Timeout, whichever is shorter.
func (r *Runner) Exec(ctx context.Context, cmd model.Command, dir string) error {
	res, err := r.Run(ctx, Command{
		Path:    cmd.Executable,
		Args:    cmd.Args,
		Env:     envList(cmd.Env),
		Dir:     dir,
		Timeout: cmd.TimeoutDuration(),
	}, func(ctx context.Context, line string) {
		slog.DebugContext(ctx, line, "stream", cmd.Executable)
	})
	if err != nil {
		return err
	}
	return res.AsError()
}

// AsError returns nil for a zero exit, otherwise an error describing the end.
func (res Result) AsError() error {
	switch res.Kind {
	case Exited:
		if res.Code == 0 {
			return nil
		}
		return fmt.Errorf("%s: exit code %d", res.Path, res.Code)
	case TimedOut:
		return fmt.Errorf("%s: %w", res.Path, ErrTimedOut)
	case Cancelled:
		return fmt.Errorf("%s: %w", res.Path, ErrCancelled)
	default:
		return fmt.Errorf("%s: %w", res.Path, res.Err)
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	ret := make([]string, 0, len(env))
	for k, v := range env {
		ret = append(ret, k+"="+os.ExpandEnv(v))
	}
	return ret
}

// lineWriter splits the process output into lines and keeps the last ones.
type lineWriter struct {
	mx     sync.Mutex
	ctx    context.Context
	onLine LineFunc
	buf    []byte
	tail   []string
	size   int
}

func newLineWriter(ctx context.Context, onLine LineFunc, size int) *lineWriter {
	if onLine == nil {
		onLine = func(ctx context.Context, line string) {
			slog.DebugContext(ctx, line, "stream", "process")
		}
	}
	return &lineWriter{ctx: ctx, onLine: onLine, size: size}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLine {
		w.emit(w.buf[:maxLine])
		w.buf = w.buf[maxLine:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) lines() []string {
	w.mx.Lock()
	defer w.mx.Unlock()
	return append([]string(nil), w.tail...)
}

func (w *lineWriter) emit(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	w.onLine(w.ctx, line)
	if w.size <= 0 {
		return
	}
	if len(w.tail) == w.size {
		w.tail = append(w.tail[:0], w.tail[1:]...)
	}
	w.tail = append(w.tail, line)
}
