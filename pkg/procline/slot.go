package procline

// Slot descriptors. Values mirror the closed vocabulary from the design
// this package implements: any non-negative value borrows that exact
// descriptor, and PassStdin/PassStdout/PassStderr (0/1/2) happen to equal
// the descriptor numbers they borrow, so they need no special casing
// beyond SameAsOut.
const (
	// SameAsOut is valid only for the stderr slot: route stderr to
	// wherever stdout was routed.
	SameAsOut = -3
	// NewChannel allocates a fresh pipe the parent can read/write via
	// the returned Process's In/Out/Err field.
	NewChannel = -2
	// Discard routes the slot to the null device.
	Discard = -1
	// PassStdin borrows the parent's stdin (fd 0).
	PassStdin = 0
	// PassStdout borrows the parent's stdout (fd 1).
	PassStdout = 1
	// PassStderr borrows the parent's stderr (fd 2).
	PassStderr = 2
)

// ExitCodeUnknown is left in ExitCode when the child's exit status could
// not be retrieved, e.g. because the host auto-reaped it via a SIGCHLD
// policy before our own reap call ran.
const ExitCodeUnknown = -127

// ExitCodeCommandNotFound is the well-known "command not found" exit
// status, as reported for example by a shell that cannot find a program.
// A failure to resolve or exec the requested program itself is returned
// as an error from New/NewRaw; no child is left to exit with this code.
const ExitCodeCommandNotFound = 127
