package procline

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// timedWaitPollCeiling caps the exponential backoff used while polling
// for a child inside WaitTimeout. Not contractually observable.
const timedWaitPollCeiling = 64 * time.Millisecond

// timedWaitPollFloor is the first sleep issued by the polling loop.
const timedWaitPollFloor = time.Millisecond

// Wait blocks until the child terminates. If another goroutine is
// already reaping this Process, Wait blocks until that reap finishes and
// then returns, without issuing a second reap call itself. The recorded
// exit code is read with ExitCode.
func (p *Process) Wait() {
	p.mu.Lock()
	for p.state == stateAwaited {
		p.cond.Wait()
	}
	if p.state == stateDone {
		p.mu.Unlock()
		return
	}

	p.state = stateAwaited
	p.mu.Unlock()

	var ws unix.WaitStatus
	_, err := unix.Wait4(p.pid, &ws, 0, nil)

	p.mu.Lock()
	p.decodeExit(ws, err)
	p.state = stateDone
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitTimeout waits up to d for the child to terminate, returning true
// if it did. On timeout it returns false and leaves the child's running
// state exactly as it would have been found: if this goroutine had taken
// over reaping duty, it hands the baton to another waiter (if any) by
// flipping back to Unwaited and signalling one peer, rather than
// stranding the child unreaped.
func (p *Process) WaitTimeout(d time.Duration) bool {
	deadline := time.Now().Add(d)

	p.mu.Lock()
	if !p.waitWhileAwaited(deadline) {
		p.mu.Unlock()
		return false
	}
	if p.state == stateDone {
		p.mu.Unlock()
		return true
	}

	p.state = stateAwaited
	p.mu.Unlock()

	dt := timedWaitPollFloor
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if wpid != 0 || err != nil {
			p.mu.Lock()
			p.decodeExit(ws, err)
			p.state = stateDone
			p.cond.Broadcast()
			p.mu.Unlock()
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Lock()
			p.state = stateUnwaited
			p.cond.Signal() // relay the baton: one peer re-volunteers to reap
			p.mu.Unlock()
			return false
		}

		sleepFor := dt
		if sleepFor > remaining {
			sleepFor = remaining
		}
		time.Sleep(sleepFor)

		if dt < timedWaitPollCeiling {
			dt *= 2
			if dt > timedWaitPollCeiling {
				dt = timedWaitPollCeiling
			}
		}
	}
}

// Poll reports whether the child has terminated, reaping it without
// blocking if so. It is equivalent to WaitTimeout(0) but avoids the
// sleep-loop setup.
func (p *Process) Poll() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == stateUnwaited {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if wpid == 0 && err == nil {
			return false
		}
		p.decodeExit(ws, err)
		p.state = stateDone
		p.cond.Broadcast()
	}
	return p.state == stateDone
}

// Kill sends sig to the child, unless it has already been reaped — this
// protects against signalling a recycled PID after some other waiter
// already reaped the zombie.
func (p *Process) Kill(sig unix.Signal) error {
	if p.Poll() {
		return nil
	}
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("procline: kill pid %d: %w", pid, err)
	}
	return nil
}

// waitWhileAwaited blocks, with p.mu held, until p.state != stateAwaited
// or deadline passes, returning false on timeout. sync.Cond has no
// native timed wait, so a timer is used purely to give a spurious
// wakeup at the deadline; the loop condition re-checks state itself.
func (p *Process) waitWhileAwaited(deadline time.Time) bool {
	if p.state != stateAwaited {
		return true
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	for p.state == stateAwaited && !time.Now().After(deadline) {
		p.cond.Wait()
	}
	return p.state != stateAwaited
}

// decodeExit records ws's exit status, or leaves exitCode at
// ExitCodeUnknown when err indicates the reap call found nothing to
// reap (the host likely auto-reaped the child via its own SIGCHLD
// policy). Either way the caller still transitions to Done.
func (p *Process) decodeExit(ws unix.WaitStatus, err error) {
	if err != nil {
		return
	}
	switch {
	case ws.Exited():
		p.exitCode = ws.ExitStatus()
	case ws.Signaled():
		p.exitCode = -int(ws.Signal())
	}
}
