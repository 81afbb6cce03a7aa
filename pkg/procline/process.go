// Package procline spawns child processes with flexible redirection of
// their three standard streams and coordinates multi-waiter reaping of
// the resulting process. See SPEC_FULL.md for the full contract.
package procline

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/kagehq/procline/internal/pipeend"
)

// Sentinel setup errors. Check with errors.Is.
var (
	ErrInvalidSlot    = errors.New("procline: invalid slot descriptor")
	ErrSameAsOutOnIn  = errors.New("procline: SameAsOut is not valid for stdin or stdout")
	ErrNotAlive       = errors.New("procline: process is not alive")
	ErrDevNullUnavail = errors.New("procline: /dev/null unavailable")
)

// runState is the three-value state machine from the design: whether the
// child is known terminated, presumed alive with nobody reaping it, or
// presumed alive with exactly one thread currently inside the reap call.
type runState int

const (
	stateDone runState = iota
	stateUnwaited
	stateAwaited
)

// Process owns a spawned child and the three channels wired to its
// standard streams. Always used through a pointer: there is no copy
// constructor, and Take plays the role of the design's move constructor.
type Process struct {
	mu   sync.Mutex
	cond *sync.Cond

	pid      int
	state    runState
	exitCode int

	// In/Out/Err are the parent-facing ends of the stdin/stdout/stderr
	// channels, or nil if that slot never had anything for the parent
	// to hold onto (PassStd*, Discard, SameAsOut for stderr).
	In  *os.File
	Out *os.File
	Err *os.File
}

// New spawns argv[0] with the given options. Stdin/stdout/stderr default
// to Discard when not set via WithStdin/WithStdout/WithStderr.
func New(argv []string, opts ...Option) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrInvalidSlot)
	}
	cfg := newConfig(opts)
	return spawn(argv, cfg)
}

// NewRaw is the "elaborate" constructor: it takes all three slot
// descriptors explicitly, mirroring the design's raw overload.
func NewRaw(stdin, stdout, stderr int, argv []string) (*Process, error) {
	return New(argv, WithStdin(stdin), WithStdout(stdout), WithStderr(stderr))
}

func spawn(argv []string, cfg *config) (*Process, error) {
	if cfg.stdin == SameAsOut || cfg.stdout == SameAsOut {
		return nil, ErrSameAsOutOnIn
	}

	stdinCh, err := resolveSlot(cfg.stdin, pipeend.AheadOfChild)
	if err != nil {
		return nil, fmt.Errorf("stdin: %w", err)
	}
	stdoutCh, err := resolveSlot(cfg.stdout, pipeend.BehindOfChild)
	if err != nil {
		destroy(stdinCh)
		return nil, fmt.Errorf("stdout: %w", err)
	}

	var stderrCh *pipeend.Channel
	if cfg.stderr == SameAsOut {
		stderrCh = stdoutCh.Alias()
	} else {
		stderrCh, err = resolveSlot(cfg.stderr, pipeend.BehindOfChild)
		if err != nil {
			destroy(stdinCh, stdoutCh)
			return nil, fmt.Errorf("stderr: %w", err)
		}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		destroy(stdinCh, stdoutCh, stderrCh)
		return nil, fmt.Errorf("procline: resolve %q: %w", argv[0], err)
	}

	env := cfg.env
	if env == nil {
		env = os.Environ()
	}
	argv0, finalArgv, finalEnv := path, argv, env
	if cfg.sandbox != nil {
		argv0, finalArgv, finalEnv, err = cfg.sandbox.Rewrite(path, argv, env)
		if err != nil {
			destroy(stdinCh, stdoutCh, stderrCh)
			return nil, fmt.Errorf("procline: sandbox rewrite: %w", err)
		}
	}

	attr := &syscall.ProcAttr{
		Dir:   cfg.dir,
		Env:   finalEnv,
		Files: []uintptr{uintptr(stdinCh.Near()), uintptr(stdoutCh.Near()), uintptr(stderrCh.Near())},
	}

	pid, err := syscall.ForkExec(argv0, finalArgv, attr)
	if err != nil {
		destroy(stdinCh, stdoutCh, stderrCh)
		return nil, fmt.Errorf("procline: fork/exec %q: %w", argv0, err)
	}

	// Parent branch: the near ends are no longer needed here, so release
	// them now — EOF/EPIPE on the far end then depends solely on the
	// child's own behavior and our later Close of the far ends.
	_ = stdinCh.CloseNear()
	_ = stdoutCh.CloseNear()
	_ = stderrCh.CloseNear()

	p := &Process{pid: pid, state: stateUnwaited, exitCode: ExitCodeUnknown}
	p.cond = sync.NewCond(&p.mu)
	if f := stdinCh.Far(); f != pipeend.None {
		p.In = os.NewFile(uintptr(f), "procline-stdin")
	}
	if f := stdoutCh.Far(); f != pipeend.None {
		p.Out = os.NewFile(uintptr(f), "procline-stdout")
	}
	if f := stderrCh.Far(); f != pipeend.None {
		p.Err = os.NewFile(uintptr(f), "procline-stderr")
	}
	return p, nil
}

// Pid returns the child's process ID, or 0 if this Process has been
// reset by Take.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// ExitCode returns the last known exit code. It is only meaningful once
// Wait, a successful WaitTimeout, or a true-returning Poll has run;
// before that, and whenever the host auto-reaped the child, it reads
// ExitCodeUnknown.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Close releases the parent-facing ends of whichever slots were piped.
// It never signals the child — callers that want the child gone must
// call Kill themselves; failing to Wait or Kill before Close leaves the
// child an orphan (or zombie), by design. Ends the caller has already
// closed (for example In, after writing the child's input) are skipped.
func (p *Process) Close() error {
	var errs []error
	for _, f := range []*os.File{p.In, p.Out, p.Err} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Take resets p to its destroyed state (pid 0, Done, ExitCodeUnknown, no
// handles) and returns a new *Process carrying the live state it held.
// This is the Go analogue of the design's move constructor: the only
// legal way to transfer ownership of a live Process is to hand out a
// fresh pointer and neuter the original, since a bare pointer copy would
// leave two owners believing they alone may call Wait/Kill/Close.
func (p *Process) Take() *Process {
	p.mu.Lock()
	defer p.mu.Unlock()

	moved := &Process{
		pid:      p.pid,
		state:    p.state,
		exitCode: p.exitCode,
		In:       p.In,
		Out:      p.Out,
		Err:      p.Err,
	}
	moved.cond = sync.NewCond(&moved.mu)

	p.pid = 0
	p.state = stateDone
	p.exitCode = ExitCodeUnknown
	p.In, p.Out, p.Err = nil, nil, nil
	return moved
}

func destroy(channels ...*pipeend.Channel) {
	for _, c := range channels {
		if c == nil {
			continue
		}
		_ = c.CloseNear()
		_ = c.CloseFar()
	}
}
