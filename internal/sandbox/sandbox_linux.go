//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	landlocksys "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"
)

// linuxSensitivePaths lists paths a Policy may never be granted access
// to, regardless of what the caller asked for.
var linuxSensitivePaths = []string{
	"/etc/shadow",
	"/etc/passwd",
	"/etc/sudoers",
	"/var/run/secrets",
	"/boot",
	"/proc/kcore",
}

// MaybeRunTrampoline checks whether the current process was launched by
// Policy.Rewrite to apply sandboxing before execing the real command. If
// so, it applies landlock and seccomp restrictions and execs the real
// command, never returning on success; it reports handled=true in every
// case where it determined this is a trampoline invocation, whether or
// not setup succeeded, so the caller (cmd/procline's main, before any
// normal argument parsing) knows not to fall through to regular dispatch.
func MaybeRunTrampoline() (handled bool, err error) {
	encoded := os.Getenv(TrampolineEnv)
	if encoded == "" {
		return false, nil
	}

	pl, err := decodePayload(encoded)
	if err != nil {
		return true, err
	}
	if len(pl.Argv) == 0 {
		return true, fmt.Errorf("sandbox: empty argv in payload")
	}

	p := &pl.Policy
	if err := p.Validate(linuxSensitivePaths); err != nil {
		return true, fmt.Errorf("sandbox: invalid policy: %w", err)
	}

	if err := setNoNewPrivs(); err != nil {
		return true, fmt.Errorf("sandbox: set no_new_privs: %w", err)
	}
	if err := applyLandlock(p, pl.Argv[0]); err != nil {
		return true, fmt.Errorf("sandbox: apply landlock: %w", err)
	}
	if err := applySeccomp(p); err != nil {
		return true, fmt.Errorf("sandbox: apply seccomp: %w", err)
	}

	if p.WorkDir != "" {
		if err := os.Chdir(p.WorkDir); err != nil {
			return true, fmt.Errorf("sandbox: chdir %q: %w", p.WorkDir, err)
		}
	}

	cmdPath, err := resolveCommandPath(pl.Argv[0])
	if err != nil {
		return true, fmt.Errorf("sandbox: resolve command %q: %w", pl.Argv[0], err)
	}

	if err := syscall.Exec(cmdPath, pl.Argv, pl.Env); err != nil {
		return true, fmt.Errorf("sandbox: exec %q: %w", cmdPath, err)
	}
	return true, nil
}

func resolveCommandPath(command string) (string, error) {
	if strings.Contains(command, "/") {
		return command, nil
	}
	return exec.LookPath(command)
}

func setNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

func applyLandlock(p *Policy, command string) error {
	rules := buildLandlockRules(p, command)
	if len(rules) == 0 {
		return fmt.Errorf("landlock rule set is empty")
	}

	cfg, err := selectLandlockConfig()
	if err != nil {
		return err
	}

	if err := cfg.RestrictPaths(rules...); err != nil {
		if strings.Contains(err.Error(), "missing kernel Landlock support") ||
			strings.Contains(err.Error(), "landlock is not supported") {
			return fmt.Errorf("landlock unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}

func selectLandlockConfig() (landlock.Config, error) {
	abi, err := landlocksys.LandlockGetABIVersion()
	if err != nil {
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (%w)", err)
	}

	switch {
	case abi >= 7:
		return landlock.V7, nil
	case abi == 6:
		return landlock.V6, nil
	case abi == 5:
		return landlock.V5, nil
	case abi == 4:
		return landlock.V4, nil
	case abi == 3:
		return landlock.V3, nil
	case abi == 2:
		return landlock.V2, nil
	case abi == 1:
		return landlock.V1, nil
	default:
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (unsupported ABI v%d)", abi)
	}
}

// dynamicLinkerPaths are needed by any dynamically-linked ELF, which a
// stage's command almost always is (procline never knows in advance
// whether a pipeline stage is a shell builtin, a static Go binary, or a
// glibc-linked coreutil), so these stay unconditional.
var dynamicLinkerPaths = []string{
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib", "/usr/lib64",
	"/lib", "/lib64", "/etc/ld.so.cache", "/etc/ld.so.preload",
	"/etc/localtime", "/etc/ssl", "/usr/share/zoneinfo",
	"/proc", "/sys/devices/system/cpu", "/dev/urandom",
}

// netResolverPaths back DNS/hostname resolution. A stage denied network
// syscalls entirely (AllowNet == false) has no use for them, so they are
// granted only alongside AllowNet rather than unconditionally.
var netResolverPaths = []string{
	"/etc/nsswitch.conf", "/etc/hosts", "/etc/resolv.conf",
}

// buildLandlockRules builds the filesystem allowlist for one stage's
// command under its sandbox.Policy. It grants no rule for the stage's
// stdio devices: a stage's stdin/stdout/stderr
// in procline are always descriptors the parent already opened before
// fork (a pipe near-end, a borrowed fd, or /dev/null via slot_resolve.go's
// openDevNull) and handed across in ProcAttr.Files, so landlock — which
// gates new path lookups, not reads/writes on an inherited fd — never
// needs a rule for the stdio device itself.
func buildLandlockRules(p *Policy, command string) []landlock.Rule {
	rules := make([]landlock.Rule, 0, len(dynamicLinkerPaths)+len(netResolverPaths)+len(p.ReadPaths)+len(p.WritePaths)+len(p.RWPaths)+4)

	appendPathRule := func(path string, readOnly bool) {
		target := nearestExistingPath(path)
		info, err := os.Stat(target)
		if err != nil {
			return
		}
		if info.IsDir() {
			if readOnly {
				rules = append(rules, landlock.RODirs(target))
			} else {
				rules = append(rules, landlock.RWDirs(target))
			}
			return
		}
		if readOnly {
			rules = append(rules, landlock.ROFiles(target))
		} else {
			rules = append(rules, landlock.RWFiles(target))
		}
	}

	for _, path := range dynamicLinkerPaths {
		appendPathRule(path, true)
	}
	if p.AllowNet {
		for _, path := range netResolverPaths {
			appendPathRule(path, true)
		}
	}

	if resolved, err := resolveCommandPath(command); err == nil {
		appendPathRule(resolved, true)
	}

	for _, path := range p.ReadPaths {
		appendPathRule(path, true)
	}
	for _, path := range p.WritePaths {
		appendPathRule(path, false)
	}
	for _, path := range p.RWPaths {
		appendPathRule(path, false)
	}

	if p.WorkDir != "" {
		appendPathRule(p.WorkDir, false)
	}

	// AllowPTY is about a stage opening a *second*, inner pseudo-terminal
	// of its own (e.g. a multiplexer stage) — the outer one a stage
	// inherits via PassStdin/PassStdout is already an open fd and needs
	// no path rule, per the doc comment above.
	if p.AllowPTY {
		appendPathRule("/dev/pts", false)
		appendPathRule("/dev/ptmx", false)
	}

	return rules
}

func nearestExistingPath(path string) string {
	cleaned := filepath.Clean(path)
	for {
		if cleaned == "." || cleaned == "" {
			return "/"
		}
		if _, err := os.Stat(cleaned); err == nil {
			return cleaned
		}
		if cleaned == "/" {
			return "/"
		}
		cleaned = filepath.Dir(cleaned)
	}
}

func applySeccomp(p *Policy) error {
	denyNames := make(map[string]struct{})

	// A pipeline.Group gives each stage only its own ends of the pipes
	// connecting it to its neighbors (internal/pipeend's near/far split);
	// it never shares one stage's memory with another. ptrace/process_vm_*
	// would let a stage reach across that boundary into a sibling stage's
	// address space, so they are denied unconditionally, independent of
	// AllowExec/AllowNet.
	addSyscalls(denyNames, "ptrace", "process_vm_readv", "process_vm_writev")

	if !p.AllowExec {
		addSyscalls(denyNames, "clone", "fork", "vfork")
	}
	if !p.AllowNet {
		addSyscalls(denyNames,
			"socket", "socketpair", "connect", "bind",
			"listen", "accept", "accept4", "sendto",
			"sendmsg", "sendmmsg", "recvfrom", "recvmsg",
			"recvmmsg", "shutdown", "getsockopt",
			"setsockopt", "getsockname", "getpeername",
		)
	}

	return applySeccompDenyList(denyNames)
}

func addSyscalls(m map[string]struct{}, names ...string) {
	for _, name := range names {
		m[name] = struct{}{}
	}
}

// applySeccompDenyList loads a filter denying exactly the named
// syscalls with EPERM and allowing everything else; applySeccomp's
// ptrace/process_vm_* entries mean deny is never empty for a procline
// stage, so unlike a general-purpose sandbox profile this never needs
// an always-allow placeholder group.
func applySeccompDenyList(deny map[string]struct{}) error {
	names := make([]string, 0, len(deny))
	for name := range deny {
		names = append(names, name)
	}

	policy := seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{{
			Names:  names,
			Action: seccomp.Action(uint32(seccomp.ActionErrno) | uint32(syscall.EPERM)),
		}},
	}

	filter := seccomp.Filter{
		NoNewPrivs: false,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	}

	if err := seccomp.LoadFilter(filter); err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL) {
			return fmt.Errorf("seccomp unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}
