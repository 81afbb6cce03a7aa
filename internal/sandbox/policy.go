// Package sandbox applies filesystem and network confinement to a child
// process between fork and exec, by re-execing the current binary through
// a trampoline instead of the requested program directly. See
// SPEC_FULL.md §4 ("sandbox") for why Go cannot do this in the fork/exec
// window itself.
package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// TrampolineEnv carries the base64-encoded payload to the re-exec'd
// process. Its presence in the environment alone is how the child
// recognizes it must run MaybeRunTrampoline's sandbox setup instead of
// whatever cmd/procline normally does.
const TrampolineEnv = "PROCLINE_INTERNAL_SANDBOX_PAYLOAD"

// ErrSandboxUnsupported is returned by Rewrite and MaybeRunTrampoline on
// platforms with no kernel confinement backend wired up.
var ErrSandboxUnsupported = errors.New("sandbox: unsupported platform")

// Path validation errors. Use errors.Is to check for them.
var (
	ErrPathEmpty       = errors.New("sandbox: path must not be empty")
	ErrPathNotAbsolute = errors.New("sandbox: path must be absolute")
	ErrPathDotDot      = errors.New("sandbox: path must not contain '..' components")
	ErrPathSensitive   = errors.New("sandbox: path overlaps with sensitive path")
)

// Policy is the platform-agnostic confinement request a caller builds up
// and passes to procline.WithSandbox. Its Rewrite method satisfies
// procline.SandboxPolicy.
type Policy struct {
	ReadPaths  []string
	WritePaths []string
	RWPaths    []string

	AllowNet bool
	AllowExec bool
	AllowPTY  bool

	WorkDir string
}

// Validate resolves and checks every path in p against sensitivePaths,
// rewriting p's path fields in place to their resolved, symlink-free
// form. sensitivePaths is platform-specific.
func (p *Policy) Validate(sensitivePaths []string) error {
	var errs []error

	if p.WorkDir != "" {
		resolved, err := resolveAndValidatePath(p.WorkDir, sensitivePaths)
		if err != nil {
			errs = append(errs, fmt.Errorf("work dir %q: %w", p.WorkDir, err))
		} else {
			p.WorkDir = resolved
		}
	}

	p.ReadPaths, errs = validatePaths(p.ReadPaths, "read path", sensitivePaths, errs)
	p.WritePaths, errs = validatePaths(p.WritePaths, "write path", sensitivePaths, errs)
	p.RWPaths, errs = validatePaths(p.RWPaths, "rw path", sensitivePaths, errs)

	return errors.Join(errs...)
}

func validatePaths(paths []string, label string, sensitivePaths []string, errs []error) ([]string, []error) {
	resolved := make([]string, 0, len(paths))
	for _, raw := range paths {
		r, err := resolveAndValidatePath(raw, sensitivePaths)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", label, raw, err))
			continue
		}
		resolved = append(resolved, r)
	}
	return resolved, errs
}

func resolveAndValidatePath(raw string, sensitivePaths []string) (string, error) {
	if raw == "" {
		return "", ErrPathEmpty
	}
	if !filepath.IsAbs(raw) {
		return "", ErrPathNotAbsolute
	}

	cleaned := filepath.Clean(raw)
	if slices.Contains(strings.Split(cleaned, string(filepath.Separator)), "..") {
		return "", ErrPathDotDot
	}

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved = cleaned
	}

	for _, sensitive := range sensitivePaths {
		if resolved == sensitive || strings.HasPrefix(resolved, sensitive+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: %s", ErrPathSensitive, sensitive)
		}
	}
	return resolved, nil
}

// payload is what crosses the fork/exec boundary via TrampolineEnv. The
// trampoline process decodes it and applies Policy before execing Argv.
type payload struct {
	Policy Policy   `json:"policy"`
	Argv   []string `json:"argv"`
	Env    []string `json:"env"`
}

func encodePayload(pl payload) (string, error) {
	raw, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePayload(encoded string) (payload, error) {
	var pl payload
	if encoded == "" {
		return pl, fmt.Errorf("sandbox: missing %s", TrampolineEnv)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return pl, fmt.Errorf("sandbox: decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &pl); err != nil {
		return pl, fmt.Errorf("sandbox: unmarshal payload: %w", err)
	}
	return pl, nil
}

// currentExecutable is a package-level indirection so tests can stub the
// self re-exec target without touching os.Executable.
var currentExecutable = os.Executable

// Rewrite implements procline.SandboxPolicy. Instead of having
// syscall.ForkExec launch resolvedPath directly, it arranges for
// ForkExec to relaunch the current binary with a cosmetic argv[0]
// and the encoded request in the environment; MaybeRunTrampoline (run from
// cmd/procline's main, before any normal argument parsing) decodes it,
// applies the kernel-level restrictions, and execs resolvedPath for real.
func (p *Policy) Rewrite(resolvedPath string, argv, env []string) (string, []string, []string, error) {
	if runtime.GOOS != "linux" {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrSandboxUnsupported, runtime.GOOS)
	}

	self, err := currentExecutable()
	if err != nil {
		return "", nil, nil, fmt.Errorf("sandbox: resolve self: %w", err)
	}

	fullArgv := append([]string{resolvedPath}, argv[1:]...)
	encoded, err := encodePayload(payload{Policy: *p, Argv: fullArgv, Env: env})
	if err != nil {
		return "", nil, nil, fmt.Errorf("sandbox: encode payload: %w", err)
	}

	// argv[0] of the re-exec is cosmetic; MaybeRunTrampoline recognizes
	// the child by the presence of TrampolineEnv, not by its argv.
	newEnv := append(append([]string{}, env...), TrampolineEnv+"="+encoded)
	return self, []string{"procline-sandboxed: " + argv[0]}, newEnv, nil
}
