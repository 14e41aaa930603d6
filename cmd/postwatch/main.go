package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one CLI invocation and returns its exit code.
func run(ctx context.Context, arguments []string, stdout, stderr io.Writer) int {
	cli := newCLI(stdout, stderr)
	root := cli.rootCommand()
	root.SetArgs(arguments)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return cli.exitCode
	}
	return cli.reportError(err)
}
