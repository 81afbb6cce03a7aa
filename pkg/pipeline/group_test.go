package pipeline

import (
	"bufio"
	"strings"
	"testing"

	"github.com/kagehq/procline/pkg/procline"
)

func TestPipelineOfThree(t *testing.T) {
	g := New()

	if _, err := g.Add([]string{"printf", "b\na\nc\n"}); err != nil {
		t.Fatalf("Add stage 0: %v", err)
	}
	if _, err := g.Add([]string{"sort"}); err != nil {
		t.Fatalf("Add stage 1: %v", err)
	}
	lastID, err := g.Add([]string{"cat"}, procline.WithStdout(procline.NewChannel))
	if err != nil {
		t.Fatalf("Add stage 2: %v", err)
	}

	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	last, err := g.Stage(lastID)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	sc := bufio.NewScanner(last.Out)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	code, err := g.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("Wait exit code = %d, want 0", code)
	}

	got := strings.Join(lines, ",")
	if got != "a,b,c" {
		t.Fatalf("final stage output = %q, want %q", got, "a,b,c")
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPipelineBroadcasterSeesIntermediateOutput(t *testing.T) {
	g := New()

	first, err := g.Add([]string{"printf", "x\ny\n"})
	if err != nil {
		t.Fatalf("Add stage 0: %v", err)
	}
	if _, err := g.Add([]string{"cat"}, procline.WithStdout(procline.Discard)); err != nil {
		t.Fatalf("Add stage 1: %v", err)
	}

	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b, err := g.Broadcaster(first)
	if err != nil {
		t.Fatalf("Broadcaster: %v", err)
	}
	ch, unsub := b.Subscribe()
	defer unsub()

	var received []byte
	done := make(chan struct{})
	go func() {
		for chunk := range ch {
			received = append(received, chunk...)
		}
		close(done)
	}()

	code, err := g.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("Wait exit code = %d, want 0", code)
	}
	<-done

	if string(received) != "x\ny\n" {
		t.Fatalf("broadcaster received %q, want %q", received, "x\ny\n")
	}
}

func TestGroupOperationsBeforeStart(t *testing.T) {
	g := New()
	if _, err := g.Add([]string{"true"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := g.Wait(); err != ErrNotStarted {
		t.Fatalf("Wait before Start: got %v, want ErrNotStarted", err)
	}
	if err := g.Close(); err != ErrNotStarted {
		t.Fatalf("Close before Start: got %v, want ErrNotStarted", err)
	}
}

func TestGroupRejectsAddAfterStart(t *testing.T) {
	g := New()
	if _, err := g.Add([]string{"true"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer g.Close()
	defer g.Wait()

	if _, err := g.Add([]string{"true"}); err != ErrAlreadyStarted {
		t.Fatalf("Add after Start: got %v, want ErrAlreadyStarted", err)
	}
	if err := g.Start(); err != ErrAlreadyStarted {
		t.Fatalf("Start twice: got %v, want ErrAlreadyStarted", err)
	}
}
