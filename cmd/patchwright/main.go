// File: cmd/patchwright/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/xkilldash9x/patchwright/cmd"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

func main() {
	// Interrupts cancel the run; unfinished issues are reported as errors.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	osExit(run(ctx, os.Args[1:]))
}

// run executes the CLI and maps the outcome to an exit code: 0 on success,
// 130 when interrupted by a signal, 1 otherwise (a run timeout included).
// Failures are already logged.
func run(ctx context.Context, args []string) int {
	root := cmd.NewRootCommand()
	root.SetArgs(args)
	err := cmd.ExecuteCommand(ctx, root)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 130
	default:
		return 1
	}
}
