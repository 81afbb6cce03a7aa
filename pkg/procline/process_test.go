package procline

import (
	"bufio"
	"io"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestNewRejectsEmptyArgv(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestSameAsOutRejectedOnStdin(t *testing.T) {
	_, err := New([]string{"true"}, WithStdin(SameAsOut))
	if err == nil {
		t.Fatal("expected ErrSameAsOutOnIn")
	}
}

func TestSameAsOutRejectedOnStdout(t *testing.T) {
	_, err := New([]string{"true"}, WithStdout(SameAsOut))
	if err == nil {
		t.Fatal("expected ErrSameAsOutOnIn")
	}
}

func TestSimpleBlockingWait(t *testing.T) {
	p, err := New([]string{"true"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Wait()
	if got := p.ExitCode(); got != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got)
	}
}

func TestNonZeroExit(t *testing.T) {
	p, err := New([]string{"false"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Wait()
	if got := p.ExitCode(); got != 1 {
		t.Fatalf("ExitCode() = %d, want 1", got)
	}
}

func TestSignalTermination(t *testing.T) {
	p, err := New([]string{"sleep", "30"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Kill(unix.SIGKILL); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	p.Wait()
	if got := p.ExitCode(); got != -int(unix.SIGKILL) {
		t.Fatalf("ExitCode() = %d, want %d", got, -int(unix.SIGKILL))
	}
}

func TestPollIsIdempotentOnceDone(t *testing.T) {
	p, err := New([]string{"true"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Wait()
	if !p.Poll() {
		t.Fatal("Poll() after Wait() should report done")
	}
	if !p.Poll() {
		t.Fatal("second Poll() should still report done")
	}
}

func TestKillOnAlreadyReapedIsNoOp(t *testing.T) {
	p, err := New([]string{"true"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Wait()
	if err := p.Kill(unix.SIGTERM); err != nil {
		t.Fatalf("Kill on a reaped process should be a no-op, got: %v", err)
	}
}

func TestWaitTimeoutExpires(t *testing.T) {
	p, err := New([]string{"sleep", "5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Kill(unix.SIGKILL)

	if p.WaitTimeout(50 * time.Millisecond) {
		t.Fatal("WaitTimeout should have timed out on a still-running child")
	}
}

func TestWaitTimeoutSucceeds(t *testing.T) {
	p, err := New([]string{"true"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !p.WaitTimeout(time.Second) {
		t.Fatal("WaitTimeout should have observed a short-lived child exit")
	}
	if got := p.ExitCode(); got != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got)
	}
}

func TestTwoWaitersBothObserveExit(t *testing.T) {
	p, err := New([]string{"true"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			p.Wait()
			done <- p.ExitCode()
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case code := <-done:
			if code != 0 {
				t.Fatalf("waiter %d saw exit code %d, want 0", i, code)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("waiter did not return in time")
		}
	}
}

func TestPipedStdinAndStdout(t *testing.T) {
	p, err := New([]string{"cat"}, WithStdin(NewChannel), WithStdout(NewChannel))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if _, err := p.In.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := p.In.Close(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}

	line, err := bufio.NewReader(p.Out).ReadString('\n')
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("got %q, want %q", line, "ping\n")
	}

	p.Wait()
	if got := p.ExitCode(); got != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got)
	}
}

func TestStderrSameAsOut(t *testing.T) {
	p, err := New(
		[]string{"sh", "-c", "echo out; echo err 1>&2"},
		WithStdout(NewChannel),
		WithStderr(SameAsOut),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if p.Err != nil {
		t.Fatal("Err should be nil when stderr is SameAsOut")
	}

	out, err := io.ReadAll(p.Out)
	if err != nil {
		t.Fatalf("read combined stdout: %v", err)
	}
	p.Wait()

	got := string(out)
	if got != "out\nerr\n" {
		t.Fatalf("got %q, want %q", got, "out\nerr\n")
	}
}

func TestOutputSwapOnExplicitHandles(t *testing.T) {
	var outFDs, errFDs [2]int
	if err := unix.Pipe(outFDs[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(outFDs[0])
	if err := unix.Pipe(errFDs[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(errFDs[0])

	// Swap: the child's stdout goes down errFDs' write end, and its
	// stderr goes down outFDs' write end, matching spec scenario 5.
	p, err := New(
		[]string{"sh", "-c", "echo OUT; echo ERR 1>&2"},
		WithStdout(errFDs[1]),
		WithStderr(outFDs[1]),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	unix.Close(outFDs[1])
	unix.Close(errFDs[1])

	outBuf := make([]byte, 64)
	n, err := unix.Read(outFDs[0], outBuf)
	if err != nil {
		t.Fatalf("read outFDs: %v", err)
	}
	if string(outBuf[:n]) != "ERR\n" {
		t.Fatalf("outFDs got %q, want %q", outBuf[:n], "ERR\n")
	}

	errBuf := make([]byte, 64)
	n, err = unix.Read(errFDs[0], errBuf)
	if err != nil {
		t.Fatalf("read errFDs: %v", err)
	}
	if string(errBuf[:n]) != "OUT\n" {
		t.Fatalf("errFDs got %q, want %q", errBuf[:n], "OUT\n")
	}

	p.Wait()
	if got := p.ExitCode(); got != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got)
	}
}

func TestPipedInputSortsLines(t *testing.T) {
	var outFDs [2]int
	if err := unix.Pipe(outFDs[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(outFDs[0])

	p, err := New(
		[]string{"sort"},
		WithStdin(NewChannel),
		WithStdout(outFDs[1]),
		WithStderr(Discard),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	unix.Close(outFDs[1])

	if _, err := p.In.Write([]byte("line 2\nline 1\n")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	if err := p.In.Close(); err != nil {
		t.Fatalf("close stdin: %v", err)
	}

	buf := make([]byte, 64)
	n, err := unix.Read(outFDs[0], buf)
	if err != nil {
		t.Fatalf("read sorted output: %v", err)
	}
	if string(buf[:n]) != "line 1\nline 2\n" {
		t.Fatalf("got %q, want %q", buf[:n], "line 1\nline 2\n")
	}

	p.Wait()
	if got := p.ExitCode(); got != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got)
	}
}

func TestTimedWaitBatonRelay(t *testing.T) {
	p, err := New([]string{"sleep", "1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var aExit, bExit int
	var stillRunning int

	aDone := make(chan struct{})
	go func() {
		p.Wait()
		aExit = p.ExitCode()
		close(aDone)
	}()

	bDone := make(chan struct{})
	go func() {
		for !p.WaitTimeout(300 * time.Millisecond) {
			stillRunning++
		}
		bExit = p.ExitCode()
		close(bDone)
	}()

	select {
	case <-aDone:
	case <-time.After(10 * time.Second):
		t.Fatal("thread A did not return: deadlock")
	}
	select {
	case <-bDone:
	case <-time.After(10 * time.Second):
		t.Fatal("thread B did not return: deadlock")
	}

	if aExit != 0 || bExit != 0 {
		t.Fatalf("exit codes disagree or nonzero: a=%d b=%d, want 0/0", aExit, bExit)
	}
	if stillRunning < 1 {
		t.Fatalf("thread B should have observed at least one timeout before success, got %d", stillRunning)
	}
}

func TestTakeResetsOriginal(t *testing.T) {
	p, err := New([]string{"true"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pid := p.Pid()

	moved := p.Take()
	if p.Pid() != 0 {
		t.Fatalf("original Pid() = %d, want 0 after Take", p.Pid())
	}
	if moved.Pid() != pid {
		t.Fatalf("moved Pid() = %d, want %d", moved.Pid(), pid)
	}

	moved.Wait()
	if got := moved.ExitCode(); got != 0 {
		t.Fatalf("ExitCode() = %d, want 0", got)
	}
	// The original must not reap anything: its state was reset to Done.
	if err := p.Kill(unix.SIGTERM); err != nil {
		t.Fatalf("Kill on a Take'n-from Process should be a no-op, got: %v", err)
	}
}
