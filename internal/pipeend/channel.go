// Package pipeend implements the paired near/far descriptor abstraction
// that a Process uses to wire up one of a child's three standard streams.
package pipeend

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// None is the sentinel value for "no descriptor".
const None = -1

// Direction distinguishes a channel that feeds data into the child
// (ahead of it) from one that carries data out of the child (behind it).
type Direction int

const (
	// AheadOfChild is used for stdin: data flows parent -> near -> child.
	AheadOfChild Direction = iota
	// BehindOfChild is used for stdout/stderr: data flows child -> near -> parent.
	BehindOfChild
)

// Channel holds a (near, far) descriptor pair. near is the end the child
// will duplicate onto one of its standard streams; far is the end the
// parent reads from or writes to. Only a channel built by Allocate owns
// its descriptors and ever closes them.
type Channel struct {
	dir  Direction
	near int
	far  int
	owns bool // true once we know this channel allocated the pipe it holds
}

// Borrow wraps an existing, externally-owned descriptor. The channel will
// never close it: far is None, meaning "nothing for the parent to read or
// write later" and near is not ours to release.
func Borrow(dir Direction, fd int) *Channel {
	return &Channel{dir: dir, near: fd, far: None}
}

// Allocate creates a fresh pipe and assigns its ends to near/far according
// to dir. Both ends are marked close-on-exec so a later fork inside the same
// process can never inherit them. The channel owns both ends.
func Allocate(dir Direction) (*Channel, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipeend: allocate pipe: %w", err)
	}

	c := &Channel{dir: dir, owns: true}
	// fds[0] is the pipe's read end, fds[1] its write end.
	switch dir {
	case AheadOfChild:
		c.near, c.far = fds[0], fds[1]
	case BehindOfChild:
		c.near, c.far = fds[1], fds[0]
	}
	return c, nil
}

// Direction reports whether this channel feeds data into the child or
// carries data out of it.
func (c *Channel) Direction() Direction { return c.dir }

// Near returns the descriptor the child will make its standard stream.
func (c *Channel) Near() int { return c.near }

// Far returns the descriptor facing the parent, or None if this channel
// is a pure redirection with nothing for the parent to hold onto.
func (c *Channel) Far() int { return c.far }

// Owns reports whether this channel allocated its own pipe (as opposed to
// borrowing an externally-owned descriptor).
func (c *Channel) Owns() bool { return c.owns }

// Alias returns a new channel of the same direction that shares near with
// c but owns nothing. Used to resolve SAME_AS_OUT: the stderr slot gets an
// alias of the stdout channel's near end without taking ownership of it.
func (c *Channel) Alias() *Channel {
	return &Channel{dir: c.dir, near: c.near, far: None}
}

// CloseNear closes the parent's reference to near once the child has been
// started and the parent no longer needs it — required so EOF/EPIPE on the
// pipe depend only on the child's and the parent's explicit far-end close.
// It is a no-op for borrowed or aliased channels, which never owned near.
func (c *Channel) CloseNear() error {
	if !c.owns || c.near == None {
		return nil
	}
	if err := unix.Close(c.near); err != nil {
		return fmt.Errorf("pipeend: close near: %w", err)
	}
	c.near = None
	return nil
}

// CloseFar closes the parent-facing end, if this channel owns one. Process
// calls this when a spawn fails; after a successful spawn the far end is
// wrapped in an *os.File and released through Process.Close instead.
func (c *Channel) CloseFar() error {
	if !c.owns || c.far == None {
		return nil
	}
	if err := unix.Close(c.far); err != nil {
		return fmt.Errorf("pipeend: close far: %w", err)
	}
	c.far = None
	return nil
}
