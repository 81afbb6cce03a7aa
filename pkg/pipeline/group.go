// Package pipeline composes several procline.Process stages into a
// shell-like pipeline, piping each stage's stdout into the next stage's
// stdin while also making every stage's output available to subscribers
// for monitoring or logging, without taking anything away from the
// stage that actually needs the data.
package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/kagehq/procline/pkg/procline"
)

// ErrNotStarted is returned by Wait, Close, or Stage when called before
// Start.
var ErrNotStarted = errors.New("pipeline: group not started")

// ErrAlreadyStarted is returned by Add or Start when the group has
// already been started.
var ErrAlreadyStarted = errors.New("pipeline: group already started")

// stage is one link of the pipeline before it has been spawned.
type stage struct {
	id   string
	argv []string
	opts []procline.Option

	proc        *procline.Process
	broadcaster *Broadcaster
}

// Group is an ordered sequence of commands, each stage's stdout feeding
// the next stage's stdin. It is the supervisor implied by this
// package's purpose but not named as its own type by a single Process:
// a Process only knows about its own three streams, while Group owns
// the pumps that move bytes between consecutive stages and fans each
// stage's output out to any subscribers.
type Group struct {
	mu      sync.Mutex
	stages  []*stage
	started bool
	pumps   sync.WaitGroup
}

// New returns an empty, unstarted Group.
func New() *Group {
	return &Group{}
}

// Add appends a stage to the pipeline and returns its ID. Options set
// via opts control everything about the stage except stdin/stdout,
// which Start wires up itself: WithStdin/WithStdout passed here are
// ignored on every stage but the first and the last respectively, since
// Group owns the connections between stages.
func (g *Group) Add(argv []string, opts ...procline.Option) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return "", ErrAlreadyStarted
	}
	id := uuid.New().String()
	g.stages = append(g.stages, &stage{id: id, argv: argv, opts: opts, broadcaster: NewBroadcaster()})
	return id, nil
}

// Start spawns every stage in order and begins pumping each stage's
// stdout into the next stage's stdin (and into that stage's
// broadcaster). The first stage's stdin and the last stage's stdout
// follow whatever WithStdin/WithStdout options were passed to Add for
// those two stages; every other connection is NewChannel, owned by Group.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return ErrAlreadyStarted
	}
	if len(g.stages) == 0 {
		return fmt.Errorf("pipeline: group has no stages")
	}
	g.started = true

	for i, st := range g.stages {
		opts := append([]procline.Option{}, st.opts...)
		if i > 0 {
			opts = append(opts, procline.WithStdin(procline.NewChannel))
		}
		if i < len(g.stages)-1 {
			opts = append(opts, procline.WithStdout(procline.NewChannel))
		}

		p, err := procline.New(st.argv, opts...)
		if err != nil {
			g.killStarted(i)
			return fmt.Errorf("pipeline: stage %d (%s): %w", i, st.id, err)
		}
		st.proc = p

		if i > 0 {
			g.pumps.Add(1)
			go g.pump(g.stages[i-1], st)
		}
	}
	return nil
}

// pump copies from.proc's Out into to.proc's In and into from's
// broadcaster, until from's Out hits EOF, then closes to's In so the
// next stage sees end-of-input.
func (g *Group) pump(from, to *stage) {
	defer g.pumps.Done()
	if from.proc.Out == nil || to.proc.In == nil {
		return
	}
	defer to.proc.In.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := from.proc.Out.Read(buf)
		if n > 0 {
			from.broadcaster.Publish(buf[:n])
			if _, werr := to.proc.In.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
	}
}

func (g *Group) killStarted(upTo int) {
	for i := 0; i < upTo; i++ {
		if p := g.stages[i].proc; p != nil {
			_ = p.Kill(9) // SIGKILL
		}
	}
}

// Broadcaster returns the named stage's output broadcaster, so a caller
// can subscribe to its bytes without stealing them from the next stage.
func (g *Group) Broadcaster(id string) (*Broadcaster, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, st := range g.stages {
		if st.id == id {
			return st.broadcaster, nil
		}
	}
	return nil, fmt.Errorf("pipeline: unknown stage %q", id)
}

// Stage returns the named stage's live Process, valid only after Start.
func (g *Group) Stage(id string) (*procline.Process, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil, ErrNotStarted
	}
	for _, st := range g.stages {
		if st.id == id {
			return st.proc, nil
		}
	}
	return nil, fmt.Errorf("pipeline: unknown stage %q", id)
}

// Wait blocks until every stage has terminated and every pump has
// drained, then returns the first non-zero exit code found walking the
// stages in order, or 0 if every stage exited cleanly.
func (g *Group) Wait() (int, error) {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return 0, ErrNotStarted
	}
	stages := append([]*stage{}, g.stages...)
	g.mu.Unlock()

	for _, st := range stages {
		st.proc.Wait()
	}
	g.pumps.Wait()

	for _, st := range stages {
		st.broadcaster.Close()
	}

	for _, st := range stages {
		if code := st.proc.ExitCode(); code != 0 {
			return code, nil
		}
	}
	return 0, nil
}

// Close releases every stage's parent-facing pipe ends. It never signals
// any stage's child process, matching procline.Process.Close.
func (g *Group) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		return ErrNotStarted
	}
	var errs []error
	for _, st := range g.stages {
		if st.proc == nil {
			continue
		}
		if err := st.proc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
