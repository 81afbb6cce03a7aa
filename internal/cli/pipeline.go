package cli

import (
	"fmt"
	"os"

	"github.com/kagehq/procline/pkg/pipeline"
	"github.com/kagehq/procline/pkg/procline"
)

// splitStages splits a flat argv on the literal token "|", the same way
// a shell would split a pipeline, e.g.
//
//	procline pipeline -- grep foo | sort | uniq -c
func splitStages(args []string) [][]string {
	var stages [][]string
	cur := []string{}
	for _, a := range args {
		if a == "|" {
			stages = append(stages, cur)
			cur = []string{}
			continue
		}
		cur = append(cur, a)
	}
	stages = append(stages, cur)
	return stages
}

// PipelineCmd executes the "pipeline" subcommand: build and run a
// multi-stage pipeline, piping each stage's stdout into the next
// stage's stdin, with the first stage's stdin and the last stage's
// stdout inherited from this process.
func PipelineCmd(args []string) int {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: procline pipeline -- <cmd1> [args...] | <cmd2> [args...] ...\n")
		return 2
	}

	stageArgv := splitStages(args)
	for i, argv := range stageArgv {
		if len(argv) == 0 {
			fmt.Fprintf(os.Stderr, "Error: stage %d is empty\n", i)
			return 2
		}
	}

	g := pipeline.New()
	for i, argv := range stageArgv {
		opts := []procline.Option{procline.WithStderr(procline.PassStderr)}
		if i == 0 {
			opts = append(opts, procline.WithStdin(procline.PassStdin))
		}
		if i == len(stageArgv)-1 {
			opts = append(opts, procline.WithStdout(procline.PassStdout))
		}
		if _, err := g.Add(argv, opts...); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := g.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer g.Close()

	code, err := g.Wait()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return code
}
