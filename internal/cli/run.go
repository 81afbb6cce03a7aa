package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kagehq/procline/internal/sandbox"
	"github.com/kagehq/procline/pkg/procline"
	"gopkg.in/yaml.v3"
)

// multiFlag is a flag.Value that accumulates multiple string values.
type multiFlag []string

func (m *multiFlag) String() string {
	return strings.Join(*m, ", ")
}

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// boolFlag is a flag.Value that tracks whether it was explicitly set.
type boolFlag struct {
	value bool
	set   bool
}

func (b *boolFlag) String() string {
	if b == nil {
		return "false"
	}
	return fmt.Sprintf("%t", b.value)
}

func (b *boolFlag) Set(value string) error {
	parsed, err := parseBool(value)
	if err != nil {
		return err
	}
	b.value = parsed
	b.set = true
	return nil
}

func (*boolFlag) IsBoolFlag() bool {
	return true
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "1", "t", "true", "y", "yes":
		return true, nil
	case "0", "f", "false", "n", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}

// runFlags holds the raw values parsed from the "run" subcommand flags.
type runFlags struct {
	readPaths  multiFlag
	writePaths multiFlag
	rwPaths    multiFlag
	allowNet   boolFlag
	allowExec  boolFlag
	allowPTY   boolFlag
	dir        string
	stdin      string
	stdout     string
	stderr     string
	profile    string
	command    []string
	usage      func()
}

// parseRunFlags parses CLI arguments for the "run" subcommand.
func parseRunFlags(args []string) (*runFlags, int) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)

	f := &runFlags{}

	fs.Var(&f.readPaths, "allow-read", "Allow read access to path under sandbox (repeatable)")
	fs.Var(&f.writePaths, "allow-write", "Allow write access to path under sandbox (repeatable)")
	fs.Var(&f.rwPaths, "allow-rw", "Allow read-write access to path under sandbox (repeatable)")
	fs.Var(&f.allowNet, "allow-net", "Allow network syscalls under sandbox")
	fs.Var(&f.allowExec, "allow-exec", "Allow spawning further child processes under sandbox")
	fs.Var(&f.allowPTY, "allow-pty", "Allow pseudo-terminal allocation under sandbox")
	fs.StringVar(&f.dir, "dir", "", "Working directory for the command")
	fs.StringVar(&f.stdin, "stdin", "inherit", "Stdin slot: inherit, null, or pipe")
	fs.StringVar(&f.stdout, "stdout", "inherit", "Stdout slot: inherit, null, or pipe")
	fs.StringVar(&f.stderr, "stderr", "inherit", "Stderr slot: inherit, null, pipe, or merge (same as stdout)")
	fs.StringVar(&f.profile, "profile", "", "Load sandbox options from a YAML file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: procline run [options] -- <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Run a command, optionally sandboxed.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  procline run -- ls -la\n")
		fmt.Fprintf(os.Stderr, "  procline run --allow-rw /tmp/out --allow-net -- curl -o /tmp/out/f https://example.com\n")
		fmt.Fprintf(os.Stderr, "  procline run --stdin pipe --stdout pipe -- cat\n")
	}
	f.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, 2
	}

	f.command = fs.Args()
	return f, 0
}

// runProfile is the YAML-loadable form of sandbox.Policy, merged with any
// CLI flags before the process is spawned (path lists from both are
// combined; for the allow flags, the work dir and the command, CLI
// values win).
type runProfile struct {
	ReadPaths  []string `yaml:"read_paths"`
	WritePaths []string `yaml:"write_paths"`
	RWPaths    []string `yaml:"rw_paths"`
	AllowNet   *bool    `yaml:"allow_net"`
	AllowExec  *bool    `yaml:"allow_exec"`
	AllowPTY   *bool    `yaml:"allow_pty"`
	WorkDir    *string  `yaml:"work_dir"`
	Command    []string `yaml:"command"`
}

func loadRunProfile(path string) (*runProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", path, err)
	}
	var p runProfile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}
	return &p, nil
}

// resolvePolicy merges any YAML profile with the CLI's sandbox flags and
// returns the resulting policy, or nil if nothing was configured (in
// which case the command runs unsandboxed).
func resolvePolicy(f *runFlags) (*sandbox.Policy, []string, error) {
	rp := &runProfile{}
	if f.profile != "" {
		fromFile, err := loadRunProfile(f.profile)
		if err != nil {
			return nil, nil, err
		}
		rp = fromFile
	}

	readPaths := append(append([]string{}, rp.ReadPaths...), f.readPaths...)
	writePaths := append(append([]string{}, rp.WritePaths...), f.writePaths...)
	rwPaths := append(append([]string{}, rp.RWPaths...), f.rwPaths...)

	allowNet := rp.AllowNet != nil && *rp.AllowNet
	if f.allowNet.set {
		allowNet = f.allowNet.value
	}
	allowExec := rp.AllowExec != nil && *rp.AllowExec
	if f.allowExec.set {
		allowExec = f.allowExec.value
	}
	allowPTY := rp.AllowPTY != nil && *rp.AllowPTY
	if f.allowPTY.set {
		allowPTY = f.allowPTY.value
	}
	workDir := ""
	if rp.WorkDir != nil {
		workDir = *rp.WorkDir
	}
	if f.dir != "" {
		workDir = f.dir
	}

	command := f.command
	if len(command) == 0 {
		command = rp.Command
	}

	// An explicitly set allow flag counts as configuration even when its
	// value is false: it asks for a sandbox that denies that capability.
	configured := len(readPaths) > 0 || len(writePaths) > 0 || len(rwPaths) > 0 || workDir != "" ||
		rp.AllowNet != nil || rp.AllowExec != nil || rp.AllowPTY != nil ||
		f.allowNet.set || f.allowExec.set || f.allowPTY.set
	if !configured {
		return nil, command, nil
	}

	return &sandbox.Policy{
		ReadPaths:  readPaths,
		WritePaths: writePaths,
		RWPaths:    rwPaths,
		AllowNet:   allowNet,
		AllowExec:  allowExec,
		AllowPTY:   allowPTY,
		WorkDir:    workDir,
	}, command, nil
}

// stdinOption turns the --stdin flag value into the matching procline
// option, or nil if Discard (the default) is what was asked for.
func stdinOption(value string) (procline.Option, error) {
	switch value {
	case "inherit":
		return procline.WithStdin(procline.PassStdin), nil
	case "null":
		return nil, nil
	case "pipe":
		return procline.WithStdin(procline.NewChannel), nil
	default:
		return nil, fmt.Errorf("invalid value %q for --stdin (want inherit, null, or pipe)", value)
	}
}

// RunCmd executes the "run" subcommand: spawn one command, optionally
// sandboxed, with stdio wired per --stdin/--stdout/--stderr.
func RunCmd(args []string) int {
	f, exitCode := parseRunFlags(args)
	if f == nil {
		return exitCode
	}

	policy, command, err := resolvePolicy(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if len(command) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no command specified (pass it after -- or in a profile file)\n\n")
		if f.usage != nil {
			f.usage()
		}
		return 2
	}

	opts := []procline.Option{}
	if opt, err := stdinOption(f.stdin); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	} else if opt != nil {
		opts = append(opts, opt)
	}

	stdoutPipe := f.stdout == "pipe"
	if f.stdout == "inherit" {
		opts = append(opts, procline.WithStdout(procline.PassStdout))
	} else if stdoutPipe {
		opts = append(opts, procline.WithStdout(procline.NewChannel))
	}

	stderrPipe := f.stderr == "pipe"
	switch f.stderr {
	case "inherit":
		opts = append(opts, procline.WithStderr(procline.PassStderr))
	case "merge":
		opts = append(opts, procline.WithStderr(procline.SameAsOut))
	case "pipe":
		opts = append(opts, procline.WithStderr(procline.NewChannel))
	}

	if policy != nil {
		opts = append(opts, procline.WithSandbox(policy))
	}

	p, err := procline.New(command, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer p.Close()

	if f.stdin == "pipe" {
		go func() {
			io.Copy(p.In, os.Stdin)
			p.In.Close()
		}()
	}
	if stdoutPipe {
		go io.Copy(os.Stdout, p.Out)
	}
	if stderrPipe {
		go io.Copy(os.Stderr, p.Err)
	}

	p.Wait()
	return p.ExitCode()
}
