//go:build !linux

package sandbox

import (
	"fmt"
	"os"
	"runtime"
)

// MaybeRunTrampoline reports handled=true with ErrSandboxUnsupported
// whenever TrampolineEnv is set, since no platform but Linux has a
// confinement backend wired up; otherwise it is a no-op.
func MaybeRunTrampoline() (handled bool, err error) {
	if os.Getenv(TrampolineEnv) == "" {
		return false, nil
	}
	return true, fmt.Errorf("%w: %s", ErrSandboxUnsupported, runtime.GOOS)
}
